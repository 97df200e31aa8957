package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewWaitingFrame(t *testing.T) {
	data, err := NewWaitingFrame()
	if err != nil {
		t.Fatalf("NewWaitingFrame: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["state"] != StateWaiting {
		t.Errorf("state = %v, want %s", got["state"], StateWaiting)
	}
}

func TestNewMatchedFrame(t *testing.T) {
	data, err := NewMatchedFrame("bob", "music,film", "abc123", "https://chat.example/0")
	if err != nil {
		t.Fatalf("NewMatchedFrame: %v", err)
	}

	var got MatchedFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != StateMatched {
		t.Errorf("state = %s, want %s", got.State, StateMatched)
	}
	if got.MatchedUserID != "bob" || got.Interest != "music,film" || got.ChatID != "abc123" {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestNewMaintenanceFrame(t *testing.T) {
	data, err := NewMaintenanceFrame("down for maintenance")
	if err != nil {
		t.Fatalf("NewMaintenanceFrame: %v", err)
	}

	var got MaintenanceFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != StateMaintenance || got.Message != "down for maintenance" {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestNewErrorFrame(t *testing.T) {
	data, err := NewErrorFrame("missing userId")
	if err != nil {
		t.Fatalf("NewErrorFrame: %v", err)
	}

	var got ErrorFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != StateError || got.Message != "missing userId" {
		t.Errorf("unexpected frame: %+v", got)
	}
}
