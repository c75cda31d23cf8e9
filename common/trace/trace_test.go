package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/kokoro/common/trace"
)

func TestNewTurnID(t *testing.T) {
	id := trace.NewTurnID()
	if !strings.HasPrefix(id, "turn_") || len(id) != len("turn_")+32 {
		t.Errorf("NewTurnID = %q", id)
	}
	if id == trace.NewTurnID() {
		t.Error("NewTurnID returned the same id twice")
	}
}

func TestEnsure(t *testing.T) {
	ctx := trace.Ensure(context.Background())
	id := trace.FromContext(ctx)
	if id == "" {
		t.Fatal("Ensure did not attach a turn id")
	}
	if got := trace.FromContext(trace.Ensure(ctx)); got != id {
		t.Errorf("Ensure replaced an existing id: %q != %q", got, id)
	}
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("FromContext on empty context = %q", got)
	}
}
