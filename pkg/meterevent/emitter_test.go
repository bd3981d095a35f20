package meterevent

import (
	"encoding/json"
	"testing"
)

func TestInsertArgs_DefaultsEmptyMetadata(t *testing.T) {
	e := NewEvent("tenant-a", "chat", "openai", 100, 120)
	args := insertArgs(e)

	metadata, ok := args[12].(json.RawMessage)
	if !ok {
		t.Fatalf("args[12] = %T, want json.RawMessage", args[12])
	}
	if string(metadata) != "{}" {
		t.Errorf("metadata = %s, want {}", metadata)
	}
}

func TestInsertArgs_PreservesUsage(t *testing.T) {
	units := 42.5
	unitType := "tokens"
	e := NewEvent("tenant-a", "chat", "openai", 100, 120)
	e.Usage = &Usage{Units: &units, UnitType: &unitType}

	args := insertArgs(e)

	if args[9] != &units {
		t.Errorf("usage units not passed through")
	}
	if args[10] != &unitType {
		t.Errorf("usage unit type not passed through")
	}
}

func TestNewEvent_SetsIDAndTimestamp(t *testing.T) {
	e := NewEvent("tenant-a", "chat", "openai", 0, 0)
	if e.ID.String() == "" {
		t.Error("expected generated id")
	}
	if e.TimestampMs <= 0 {
		t.Error("expected timestamp to be set")
	}
}
