package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/matchcore/internal/api"
	"github.com/whisper/matchcore/internal/matchengine"
	"github.com/whisper/matchcore/internal/notifybus"
	"github.com/whisper/matchcore/internal/queuestore"
	"github.com/whisper/matchcore/internal/ratelimit"
	"github.com/whisper/matchcore/internal/selector"
	"github.com/whisper/matchcore/internal/sessionmgr"
)

func main() {
	listenAddr := ":3000"
	if v := os.Getenv("PORT"); v != "" {
		listenAddr = ":" + strings.TrimPrefix(v, ":")
	}

	redisURL := "redis://localhost:6379"
	if v := os.Getenv("REDIS_URL"); v != "" {
		redisURL = v
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL %q: %v", redisURL, err)
	}

	natsConfig := notifybus.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}

	discoveryURL := os.Getenv("DISCOVERY_SERVER_URL")
	publicURL := os.Getenv("RENDER_EXTERNAL_URL")

	var denyList []string
	if v := os.Getenv("POPULARITY_DENYLIST"); v != "" {
		denyList = strings.Split(v, ",")
	}

	matchLimit := 30
	if v := os.Getenv("MATCH_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			matchLimit = n
		}
	}
	matchWindow := 60 * time.Second
	if v := os.Getenv("MATCH_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			matchWindow = d
		}
	}

	var maintenance atomic.Bool
	if os.Getenv("MAINTENANCE_MODE") == "true" {
		maintenance.Store(true)
	}

	log.Printf("matchcore starting")
	log.Printf("  listen_addr:  %s", listenAddr)
	log.Printf("  redis_url:    %s", redisURL)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  discovery:    %s", discoveryURL)
	log.Printf("  deny_list:    %v", denyList)
	log.Printf("  match_limit:  %d per %s", matchLimit, matchWindow)

	rdb := redis.NewClient(redisOpts)
	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancelPing()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancelPing()

	bus, err := notifybus.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to notification bus: %v", err)
	}

	store := queuestore.New(rdb)
	sessions := sessionmgr.New(rdb)
	sel := selector.New(discoveryURL)
	engine := matchengine.New(store, sessions, bus, sel, denyList)
	limiter := ratelimit.NewLimiter(rdb)

	server := api.NewServer(api.Config{
		ListenAddr:      listenAddr,
		PublicURL:       publicURL,
		RateLimit:       ratelimit.NewMatchRule(matchLimit, matchWindow),
		MaintenanceFlag: &maintenance,
	}, engine, sessions, bus, store, limiter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		bus.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
