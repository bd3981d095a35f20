package nodechannel

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hiverun/controlplane/internal/apperr"
)

func TestSendCommand_FailsWhenNodeNotConnected(t *testing.T) {
	r := New(slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := r.SendCommand(ctx, "node-that-never-connected", "bot.export", nil)
	if !apperr.Is(err, apperr.KindNodeNotConnected) {
		t.Fatalf("error = %v, want KindNodeNotConnected", err)
	}
}

func TestListConnected_EmptyInitially(t *testing.T) {
	r := New(slog.Default())
	if got := r.ListConnected(); len(got) != 0 {
		t.Fatalf("ListConnected() = %v, want empty", got)
	}
}
