// Package snapshot persists the durable store state to disk and restores it
// at startup. Two JSON documents are written: one for registered clients and
// one for the combined admin-session/token/code state. Writes are idempotent
// (temp file + rename) and never fail the request that triggered them.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rightapi/ha-mcp-bridge/instrumentation"
	"github.com/rightapi/ha-mcp-bridge/storage"
)

const (
	clientsFile  = "clients.json"
	sessionsFile = "sessions.json"

	// DefaultInterval is how often a periodic snapshot is taken in addition
	// to the eager saves triggered on durable mutations.
	DefaultInterval = 5 * time.Minute
)

// Writer snapshots store state to a directory.
type Writer struct {
	dir      string
	clients  storage.ClientStore
	state    storage.SnapshotStore
	interval time.Duration
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation

	// trigger carries at most one pending eager-save request; SaveSoon never
	// blocks the mutating request path.
	trigger chan struct{}
}

// Option configures a Writer.
type Option func(*Writer)

// WithInterval overrides the periodic snapshot interval.
func WithInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithInstrumentation enables snapshot metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(w *Writer) { w.inst = inst }
}

// New creates a snapshot writer rooted at dir. The directory is created if
// it does not exist.
func New(dir string, clients storage.ClientStore, state storage.SnapshotStore, logger *slog.Logger, opts ...Option) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}

	w := &Writer{
		dir:      dir,
		clients:  clients,
		state:    state,
		interval: DefaultInterval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Restore loads previously written snapshots into the stores, dropping
// anything already expired. Missing files are not an error: a fresh data
// directory simply starts empty.
func (w *Writer) Restore(ctx context.Context) error {
	if err := w.restoreClients(ctx); err != nil {
		return err
	}
	return w.restoreState(ctx)
}

func (w *Writer) restoreClients(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(w.dir, clientsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", clientsFile, err)
	}

	var clients []*storage.Client
	if err := json.Unmarshal(data, &clients); err != nil {
		return fmt.Errorf("parsing %s: %w", clientsFile, err)
	}

	restored := 0
	for _, client := range clients {
		if client == nil || client.ClientID == "" {
			continue
		}
		if err := w.clients.SaveClient(ctx, client); err != nil {
			w.logger.Warn("Skipping unrestorable client", "client_id", client.ClientID, "error", err)
			continue
		}
		restored++
	}
	w.logger.Info("Restored registered clients", "count", restored)
	return nil
}

func (w *Writer) restoreState(ctx context.Context) error {
	data, err := os.ReadFile(filepath.Join(w.dir, sessionsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", sessionsFile, err)
	}

	var state storage.State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing %s: %w", sessionsFile, err)
	}
	return w.state.RestoreState(ctx, &state)
}

// SaveSoon schedules an eager snapshot without blocking the caller. Durable
// mutations (admin session creation, token issuance) call this on their
// request path; the actual write happens on the Run goroutine.
func (w *Writer) SaveSoon() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run writes snapshots until ctx is cancelled: eagerly when SaveSoon was
// called and periodically on the configured interval. A final snapshot is
// attempted on shutdown.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.trigger:
			w.save(ctx)
		case <-ticker.C:
			w.save(ctx)
		case <-ctx.Done():
			// Best effort; the stores may still be mutating during shutdown.
			w.save(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// Save writes both snapshot files immediately. Failures are logged, never
// propagated to request handling.
func (w *Writer) Save(ctx context.Context) {
	w.save(ctx)
}

func (w *Writer) save(ctx context.Context) {
	failed := false

	clients, err := w.clients.ListClients(ctx)
	if err != nil {
		w.logger.Error("Snapshot: listing clients failed", "error", err)
		failed = true
	} else if err := w.writeFile(clientsFile, clients); err != nil {
		w.logger.Error("Snapshot: writing clients failed", "error", err)
		failed = true
	}

	state, err := w.state.DumpState(ctx)
	if err != nil {
		w.logger.Error("Snapshot: dumping state failed", "error", err)
		failed = true
	} else if err := w.writeFile(sessionsFile, state); err != nil {
		w.logger.Error("Snapshot: writing state failed", "error", err)
		failed = true
	}

	if w.inst != nil {
		if failed {
			w.inst.Metrics().SnapshotFailures.Add(ctx, 1)
		} else {
			w.inst.Metrics().SnapshotsWritten.Add(ctx, 1)
		}
	}
}

// writeFile marshals v and atomically replaces the target file, so a crash
// mid-write never leaves a truncated snapshot behind.
func (w *Writer) writeFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	target := filepath.Join(w.dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}
