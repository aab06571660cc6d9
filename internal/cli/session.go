package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thruflo/klipdeck/internal/logging"
	"github.com/thruflo/klipdeck/internal/state"
	"github.com/thruflo/klipdeck/internal/stream"
)

// extraClientOptions are appended when building a client. Tests use it to
// shorten backoff delays.
var extraClientOptions []stream.ClientOption

// session is one console connection feeding a store.
type session struct {
	origin string
	store  *state.Store
	client *stream.Client
	file   *state.SnapshotFile
}

func newSession(dir, origin string, logger *logging.Logger) (*session, error) {
	store := state.NewStore()

	opts := append([]stream.ClientOption{stream.WithLogger(logger)}, extraClientOptions...)
	client, err := stream.NewClient(origin, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &session{
		origin: origin,
		store:  store,
		client: client,
		file:   state.NewSnapshotFile(dir),
	}, nil
}

// close releases the client and records the final snapshot. A snapshot
// with nothing in it does not replace a saved one.
func (s *session) close() (saved bool, err error) {
	s.client.Close()

	snap := s.store.Snapshot()
	if isEmpty(snap) {
		return false, nil
	}
	rec := &state.Record{
		Origin:   s.origin,
		ClientID: s.client.ClientID(),
		SavedAt:  time.Now().UTC(),
		Snapshot: snap,
	}
	if err := s.file.Save(rec); err != nil {
		return false, fmt.Errorf("failed to save status: %w", err)
	}
	return true, nil
}

func isEmpty(snap state.Snapshot) bool {
	return snap.Progress.Step == "" && len(snap.PrinterStatuses) == 0 && snap.Error == nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ignoreCancel maps the error from an interrupted wait to nil.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
