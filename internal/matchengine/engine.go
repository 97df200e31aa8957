// Package matchengine is the Match Engine component (spec §4.1): the core
// of the matchmaking core. It turns a caller's interest list into either a
// synchronous match against a waiting partner, or an enqueue, by composing
// the Queue Store, Session Manager, Notification Bus, and Chat Server
// Selector.
//
// The lineage's own internal/matching package runs a background ticker over
// four matching tiers (exact-hash, ranked-overlap, any-overlap, random),
// batching candidates every couple of seconds. This spec's contract is
// synchronous and request-scoped — atomic pop-random attempts made within
// the caller's own request, no ticker, no batching — so the tiering is gone, but the shape of a
// Service wired against a Queue-like store and a publisher carries over
// directly from matching/service.go.
package matchengine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/whisper/matchcore/internal/metrics"
	"github.com/whisper/matchcore/internal/queuestore"
	"github.com/whisper/matchcore/internal/sessionmgr"
)

// Sentinel errors per spec §4.1/§7.
var (
	ErrInvalidInput         = errors.New("matchengine: invalid input")
	ErrStoreUnavailable     = errors.New("matchengine: store unavailable")
	ErrDiscoveryUnavailable = errors.New("matchengine: discovery unavailable")
)

// ChatServerSource hands out a chat server URL for a newly formed pair. The
// engine depends on this narrow interface rather than *selector.Selector
// directly, matching the lineage's habit of depending on small interfaces
// for its own store/publisher collaborators.
type ChatServerSource interface {
	Next(ctx context.Context) (string, error)
}

// Notifier delivers a match payload to a waiting user's channel. The engine
// depends on this narrow interface rather than *notifybus.Bus directly, so
// that it can be exercised without a live NATS connection.
type Notifier interface {
	Publish(userID string, payload []byte) error
}

// Matched is the outcome of a successful pairing.
type Matched struct {
	PartnerUserID   string
	CommonInterests []string
	ChatID          string
	ChatServerURL   string
}

// Outcome is the result of findOrQueue: exactly one of Matched or Waiting.
type Outcome struct {
	Matched *Matched
}

// Waiting reports whether the caller was enqueued rather than matched.
func (o Outcome) Waiting() bool {
	return o.Matched == nil
}

// NotificationPayload is the JSON body published to a matched waiter's
// channel, matching the MATCHED SSE frame shape in spec §6 so the HTTP
// layer can forward it verbatim.
type NotificationPayload struct {
	State         string `json:"state"`
	MatchedUserID string `json:"matchedUserId"`
	Interest      string `json:"interest"`
	ChatID        string `json:"chatId"`
	ChatServerURL string `json:"chatServerUrl"`
}

// Engine implements findOrQueue, cancel, and popularInterests.
type Engine struct {
	store     *queuestore.Store
	sessions  *sessionmgr.Manager
	bus       Notifier
	selector  ChatServerSource
	denyList  map[string]bool
	nowFunc   func() time.Time
	shuffleFn func(n int, swap func(i, j int))
}

// New creates an Engine. denyList entries are upper-cased tags excluded
// from popularInterests.
func New(store *queuestore.Store, sessions *sessionmgr.Manager, bus Notifier, selector ChatServerSource, denyList []string) *Engine {
	deny := make(map[string]bool, len(denyList))
	for _, t := range denyList {
		deny[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	return &Engine{
		store:     store,
		sessions:  sessions,
		bus:       bus,
		selector:  selector,
		denyList:  deny,
		nowFunc:   time.Now,
		shuffleFn: rand.Shuffle,
	}
}

// normalizeInterests trims, upper-cases, and de-duplicates tags, dropping
// empties. Order of the first occurrence is preserved before the caller
// shuffles for the scan.
func normalizeInterests(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ChatID computes the deterministic session id per spec §3 invariant 4:
// SHA-1 hex of the two participant ids sorted lexicographically and joined
// by '-'.
func ChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := sha1.Sum([]byte(ids[0] + "-" + ids[1]))
	return hex.EncodeToString(sum[:])
}

// FindOrQueue is the findOrQueue operation.
func (e *Engine) FindOrQueue(ctx context.Context, userID string, rawInterests []string) (Outcome, error) {
	if strings.TrimSpace(userID) == "" {
		return Outcome{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	start := e.nowFunc()
	outcome, err := e.findOrQueue(ctx, userID, rawInterests)
	metrics.MatchDuration.Observe(e.nowFunc().Sub(start).Seconds())
	if err != nil {
		return outcome, err
	}
	if outcome.Waiting() {
		metrics.WaitingTotal.Inc()
	} else {
		metrics.MatchesTotal.Inc()
	}
	return outcome, nil
}

func (e *Engine) findOrQueue(ctx context.Context, userID string, rawInterests []string) (Outcome, error) {
	if _, err := e.sessions.End(ctx, userID); err != nil {
		return Outcome{}, fmt.Errorf("%w: supersede prior session: %v", ErrStoreUnavailable, err)
	}

	interests := normalizeInterests(rawInterests)
	if len(interests) == 0 {
		return e.findOrQueueWildcard(ctx, userID)
	}
	return e.findOrQueueInterests(ctx, userID, interests)
}

func (e *Engine) findOrQueueInterests(ctx context.Context, userID string, interests []string) (Outcome, error) {
	now := e.nowFunc()
	for _, tag := range interests {
		if err := e.store.RecordPopularity(ctx, tag, userID, now); err != nil {
			return Outcome{}, fmt.Errorf("%w: record popularity: %v", ErrStoreUnavailable, err)
		}
	}

	order := append([]string(nil), interests...)
	e.shuffleFn(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, tag := range order {
		popped, ok, err := e.store.PopRandom(ctx, tag)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: pop %s: %v", ErrStoreUnavailable, tag, err)
		}
		if !ok {
			continue
		}
		if popped == userID {
			if err := e.store.Requeue(ctx, tag, userID); err != nil {
				return Outcome{}, fmt.Errorf("%w: requeue self: %v", ErrStoreUnavailable, err)
			}
			continue
		}

		partnerTags, err := e.store.UserInterests(ctx, popped)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: partner interests: %v", ErrStoreUnavailable, err)
		}
		if len(partnerTags) == 0 {
			// Race with cancel: partner's membership record is gone.
			// Abort pair formation for this candidate and continue.
			if err := e.store.Requeue(ctx, tag, popped); err != nil {
				return Outcome{}, fmt.Errorf("%w: requeue missing partner: %v", ErrStoreUnavailable, err)
			}
			continue
		}

		common := intersect(interests, partnerTags)
		if len(common) == 0 {
			if err := e.store.Requeue(ctx, tag, popped); err != nil {
				return Outcome{}, fmt.Errorf("%w: requeue empty-intersection partner: %v", ErrStoreUnavailable, err)
			}
			continue
		}

		if err := e.store.RemoveFromQueues(ctx, popped, partnerTags); err != nil {
			return Outcome{}, fmt.Errorf("%w: cleanup partner queues: %v", ErrStoreUnavailable, err)
		}
		return e.formPair(ctx, userID, popped, common)
	}

	// Try wildcard match before falling back to enqueue.
	popped, ok, err := e.store.PopRandom(ctx, queuestore.WildcardTag)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: pop wildcard: %v", ErrStoreUnavailable, err)
	}
	if ok && popped != userID {
		if err := e.store.RemoveFromQueues(ctx, popped, []string{queuestore.WildcardTag}); err != nil {
			return Outcome{}, fmt.Errorf("%w: cleanup wildcard partner: %v", ErrStoreUnavailable, err)
		}
		return e.formPair(ctx, userID, popped, interests)
	}
	if ok && popped == userID {
		if err := e.store.Requeue(ctx, queuestore.WildcardTag, userID); err != nil {
			return Outcome{}, fmt.Errorf("%w: requeue self from wildcard: %v", ErrStoreUnavailable, err)
		}
	}

	if err := e.store.Enqueue(ctx, userID, interests); err != nil {
		return Outcome{}, fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}
	return Outcome{}, nil
}

func (e *Engine) findOrQueueWildcard(ctx context.Context, userID string) (Outcome, error) {
	popped, ok, err := e.store.PopRandom(ctx, queuestore.WildcardTag)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: pop wildcard: %v", ErrStoreUnavailable, err)
	}
	if ok && popped == userID {
		if err := e.store.Requeue(ctx, queuestore.WildcardTag, userID); err != nil {
			return Outcome{}, fmt.Errorf("%w: requeue self from wildcard: %v", ErrStoreUnavailable, err)
		}
		ok = false
	}
	if ok {
		if err := e.store.RemoveFromQueues(ctx, popped, []string{queuestore.WildcardTag}); err != nil {
			return Outcome{}, fmt.Errorf("%w: cleanup wildcard partner: %v", ErrStoreUnavailable, err)
		}
		return e.formPair(ctx, userID, popped, nil)
	}

	allTags, err := e.store.AllInterests(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: all interests: %v", ErrStoreUnavailable, err)
	}
	order := make([]string, 0, len(allTags))
	for _, t := range allTags {
		if t != queuestore.WildcardTag {
			order = append(order, t)
		}
	}
	e.shuffleFn(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, tag := range order {
		popped, ok, err := e.store.PopRandom(ctx, tag)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: pop %s: %v", ErrStoreUnavailable, tag, err)
		}
		if !ok {
			continue
		}
		if popped == userID {
			if err := e.store.Requeue(ctx, tag, userID); err != nil {
				return Outcome{}, fmt.Errorf("%w: requeue self: %v", ErrStoreUnavailable, err)
			}
			continue
		}

		partnerTags, err := e.store.UserInterests(ctx, popped)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: partner interests: %v", ErrStoreUnavailable, err)
		}
		if len(partnerTags) == 0 {
			if err := e.store.Requeue(ctx, tag, popped); err != nil {
				return Outcome{}, fmt.Errorf("%w: requeue missing partner: %v", ErrStoreUnavailable, err)
			}
			continue
		}

		if err := e.store.RemoveFromQueues(ctx, popped, partnerTags); err != nil {
			return Outcome{}, fmt.Errorf("%w: cleanup partner queues: %v", ErrStoreUnavailable, err)
		}
		return e.formPair(ctx, userID, popped, []string{tag})
	}

	if err := e.store.Enqueue(ctx, userID, []string{queuestore.WildcardTag}); err != nil {
		return Outcome{}, fmt.Errorf("%w: enqueue wildcard: %v", ErrStoreUnavailable, err)
	}
	return Outcome{}, nil
}

// formPair mints the session, notifies the waiter, and returns the caller's
// synchronous Matched outcome. common may be nil (wildcard pairing).
func (e *Engine) formPair(ctx context.Context, caller, partner string, common []string) (Outcome, error) {
	chatID := ChatID(caller, partner)

	url, err := e.selector.Next(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}

	if _, err := e.sessions.Create(ctx, chatID, url, caller, partner); err != nil {
		return Outcome{}, fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}

	interestCSV := strings.Join(common, ",")
	payload := NotificationPayload{
		State:         "MATCHED",
		MatchedUserID: caller,
		Interest:      interestCSV,
		ChatID:        chatID,
		ChatServerURL: url,
	}
	if data, err := json.Marshal(payload); err != nil {
		log.Printf("[match] marshal notification for %s: %v", partner, err)
	} else if err := e.bus.Publish(partner, data); err != nil {
		// Fire-and-forget per spec §4.3/§7: the caller's synchronous
		// result does not depend on delivery to the waiter.
		log.Printf("[match] publish to %s: %v", partner, err)
	} else {
		metrics.NotificationsPublishedTotal.Inc()
	}

	return Outcome{Matched: &Matched{
		PartnerUserID:   partner,
		CommonInterests: common,
		ChatID:          chatID,
		ChatServerURL:   url,
	}}, nil
}

// Cancel removes a waiting user from every queue it is enrolled in.
func (e *Engine) Cancel(ctx context.Context, userID string) error {
	tags, err := e.store.UserInterests(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: cancel lookup: %v", ErrStoreUnavailable, err)
	}
	if len(tags) == 0 {
		return nil
	}
	if err := e.store.RemoveFromQueues(ctx, userID, tags); err != nil {
		return fmt.Errorf("%w: cancel cleanup: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PopularInterests returns the top-N interests by active enrollment count
// within the trailing 10-minute window, deny-list tags excluded.
func (e *Engine) PopularInterests(ctx context.Context, topN int) ([]queuestore.TagCount, error) {
	counts, err := e.store.PopularCounts(ctx, e.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("%w: popular interests: %v", ErrStoreUnavailable, err)
	}

	filtered := counts[:0]
	for _, c := range counts {
		if !e.denyList[c.Tag] {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Count > filtered[j].Count
	})

	if topN > 0 && len(filtered) > topN {
		filtered = filtered[:topN]
	}
	return filtered, nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	var out []string
	for _, t := range a {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}
