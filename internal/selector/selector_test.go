package selector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSelectorSeedRoundRobin(t *testing.T) {
	s := New("")
	s.Seed([]string{"a", "b", "c"})

	ctx := context.Background()
	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		url, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		seen = append(seen, url)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Next()[%d] = %s, want %s (full sequence %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestSelectorRefreshesFromDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"https://chat.example/1", "https://chat.example/2"})
	}))
	defer srv.Close()

	s := New(srv.URL)
	ctx := context.Background()

	url, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if url != "https://chat.example/1" && url != "https://chat.example/2" {
		t.Errorf("unexpected url %s", url)
	}
}

func TestSelectorNoDiscoveryNoSeedFails(t *testing.T) {
	s := New("")
	_, err := s.Next(context.Background())
	if err == nil {
		t.Fatal("expected ErrDiscoveryUnavailable with no discovery URL and no seed")
	}
}

func TestSelectorDiscoveryUnreachable(t *testing.T) {
	s := New("http://127.0.0.1:1")
	_, err := s.Next(context.Background())
	if err == nil {
		t.Fatal("expected an error for unreachable discovery endpoint")
	}
}
