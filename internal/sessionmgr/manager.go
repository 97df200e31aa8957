// Package sessionmgr is the Session Manager component (spec §4.4): it
// creates durable two-party chat sessions, resolves a user's active session
// on reconnect, and ends sessions with participant fan-out cleanup.
//
// Unlike the lineage's own chat.Store — which holds a Redis hash per chat
// with a pending-accept handshake and an accept Lua script — this spec's
// session has no accept step: Created -> Live -> Ended with no intermediate
// states. The record is a single JSON string per §3, not a hash, so it is
// kept here as its own component rather than folded into chat.Store's shape.
package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	chatSessionPrefix = "chat_session:"
	userSessionPrefix = "user_session:"
)

// Record is the durable representation of a two-party chat session.
type Record struct {
	ChatID       string   `json:"chatId"`
	ServerURL    string   `json:"serverUrl"`
	Participants []string `json:"participants"`
}

// Partner returns the other participant's id, or "" if userID is not a
// participant of this record.
func (r *Record) Partner(userID string) string {
	if len(r.Participants) != 2 {
		return ""
	}
	if r.Participants[0] == userID {
		return r.Participants[1]
	}
	if r.Participants[1] == userID {
		return r.Participants[0]
	}
	return ""
}

// Manager manages chat_session:* and user_session:* records in Redis.
type Manager struct {
	rdb *redis.Client
}

// New creates a Manager backed by the given Redis client.
func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func chatSessionKey(chatID string) string {
	return chatSessionPrefix + chatID
}

func userSessionKey(userID string) string {
	return userSessionPrefix + userID
}

// Create durably persists a new session and points both participants at it.
// Pipelined, not transactional, per spec §4.4: a caller that observes a
// partial failure should retry the whole operation.
func (m *Manager) Create(ctx context.Context, chatID, serverURL string, a, b string) (*Record, error) {
	rec := &Record{ChatID: chatID, ServerURL: serverURL, Participants: []string{a, b}}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: marshal session %s: %w", chatID, err)
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, chatSessionKey(chatID), data, 0)
	pipe.Set(ctx, userSessionKey(a), chatID, 0)
	pipe.Set(ctx, userSessionKey(b), chatID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sessionmgr: create session %s: %w", chatID, err)
	}
	return rec, nil
}

// GetSessionForUser resolves a user's active session, repairing a dangling
// user_session mapping (record missing) by deleting it and returning
// (nil, nil) rather than an error, per spec §4.4.
func (m *Manager) GetSessionForUser(ctx context.Context, userID string) (*Record, error) {
	chatID, err := m.rdb.Get(ctx, userSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: get mapping for %s: %w", userID, err)
	}

	data, err := m.rdb.Get(ctx, chatSessionKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		// Dangling mapping: the session record is gone. Repair on read.
		if delErr := m.rdb.Del(ctx, userSessionKey(userID)).Err(); delErr != nil {
			return nil, fmt.Errorf("sessionmgr: repair dangling mapping for %s: %w", userID, delErr)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: get session %s: %w", chatID, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("sessionmgr: decode session %s: %w", chatID, err)
	}
	return &rec, nil
}

// End terminates the session a user belongs to, deleting the chat_session
// record and both participants' user_session mappings in one pipeline.
// Returns false if the user had no active session.
//
// On a JSON-parse error of the session record (corrupt data), only the
// caller's own user_session mapping is deleted and false is returned —
// matching spec §4.4, which deliberately does not attempt to repair the
// partner's mapping in that case.
func (m *Manager) End(ctx context.Context, userID string) (bool, error) {
	chatID, err := m.rdb.Get(ctx, userSessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionmgr: get mapping for %s: %w", userID, err)
	}

	data, err := m.rdb.Get(ctx, chatSessionKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		// Session record already gone; just clear the dangling mapping.
		if delErr := m.rdb.Del(ctx, userSessionKey(userID)).Err(); delErr != nil {
			return false, fmt.Errorf("sessionmgr: clear dangling mapping for %s: %w", userID, delErr)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sessionmgr: get session %s: %w", chatID, err)
	}

	var rec Record
	if jsonErr := json.Unmarshal([]byte(data), &rec); jsonErr != nil {
		if delErr := m.rdb.Del(ctx, userSessionKey(userID)).Err(); delErr != nil {
			return false, fmt.Errorf("sessionmgr: clear mapping after decode error for %s: %w", userID, delErr)
		}
		return false, nil
	}

	pipe := m.rdb.Pipeline()
	pipe.Del(ctx, chatSessionKey(chatID))
	for _, p := range rec.Participants {
		pipe.Del(ctx, userSessionKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("sessionmgr: end session %s: %w", chatID, err)
	}
	return true, nil
}
