package lifecycle_test

import (
	"context"
	"testing"

	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/lifecycle"
)

// A Supervisor that never successfully started (e.g. pidfile acquire
// failed) must still tolerate Stop, since Start calls Stop on its own
// rollback path and a caller may also call Stop defensively.
func TestStop_ToleratesNeverStartedSupervisor(t *testing.T) {
	sup := lifecycle.New(&config.Config{}, nil)
	sup.Stop(context.Background())
}

func TestRouter_NilBeforeStart(t *testing.T) {
	sup := lifecycle.New(&config.Config{}, nil)
	if sup.Router() != nil {
		t.Fatal("expected nil router before Start populates the health surface")
	}
}
