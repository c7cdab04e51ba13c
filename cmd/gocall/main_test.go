package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btafoya/gocall/internal/config"
)

type memorySettings struct {
	identity string
	getErr   error
	saved    []string
}

func (m *memorySettings) Identity(ctx context.Context) (string, error) {
	return m.identity, m.getErr
}

func (m *memorySettings) SetIdentity(ctx context.Context, identity string) error {
	m.identity = identity
	m.saved = append(m.saved, identity)
	return nil
}

func TestResolveIdentity(t *testing.T) {
	tests := []struct {
		name       string
		saved      string
		getErr     error
		configured string
		want       string
		wantSaved  bool
	}{
		{"saved identity wins", "user-saved", nil, "user-config", "user-saved", false},
		{"configured identity", "", nil, "user-config", "user-config", true},
		{"load error falls back", "", errors.New("locked"), "user-config", "user-config", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := &memorySettings{identity: tt.saved, getErr: tt.getErr}
			cfg := &config.Config{DefaultIdentity: tt.configured}

			got := resolveIdentity(context.Background(), cfg, settings)

			if got != tt.want {
				t.Errorf("resolveIdentity() = %q, want %q", got, tt.want)
			}
			if (len(settings.saved) == 1) != tt.wantSaved {
				t.Errorf("saved = %v, wantSaved %v", settings.saved, tt.wantSaved)
			}
		})
	}
}

func TestResolveIdentity_Generated(t *testing.T) {
	settings := &memorySettings{}

	got := resolveIdentity(context.Background(), &config.Config{}, settings)

	if !strings.HasPrefix(got, config.DefaultIdentityPrefix) || len(got) != len(config.DefaultIdentityPrefix)+8 {
		t.Errorf("generated identity = %q", got)
	}
	if settings.identity != got {
		t.Errorf("saved identity = %q, want %q", settings.identity, got)
	}
}

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakePruner) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, nil
}

func TestPruneCallLogs_RunsImmediately(t *testing.T) {
	pruner := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		pruneCallLogs(ctx, pruner)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pruner.mu.Lock()
		n := len(pruner.cutoffs)
		pruner.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if len(pruner.cutoffs) != 1 {
		t.Fatalf("prune runs = %d, want 1", len(pruner.cutoffs))
	}
	age := time.Since(pruner.cutoffs[0])
	if age < config.CallLogRetention-time.Minute || age > config.CallLogRetention+time.Minute {
		t.Errorf("cutoff age = %v, want about %v", age, config.CallLogRetention)
	}
}

func TestNewServer_NoWriteTimeout(t *testing.T) {
	srv := newServer(":0", nil)

	if srv.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, event streams need none", srv.WriteTimeout)
	}
	if srv.ReadTimeout == 0 || srv.IdleTimeout == 0 {
		t.Errorf("read/idle timeouts unset: %+v", srv)
	}
}
