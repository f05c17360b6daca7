// Package follower owns the resumable read loop over the registry change
// feed.  It tracks the highest sequence handed off to the dispatcher
// stage and persists that cursor on a fixed interval, decoupled from
// event volume.
package follower

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/regmirror/regmirror/internal/bus"
	"github.com/regmirror/regmirror/internal/checkpoint"
	"github.com/regmirror/regmirror/internal/registry"
)

// DefaultPersistInterval is how often the cursor is checkpointed.
const DefaultPersistInterval = 5 * time.Second

// Source is the change feed consumption contract: all events with
// sequence greater than since, in non-decreasing order, with possible
// redelivery at or below the reconnect point.
type Source interface {
	Subscribe(ctx context.Context, since int64, h func(ctx context.Context, ev registry.ChangeEvent) error) error
}

// Follower consumes the change feed from a durable cursor and publishes
// package identifiers to the change topic, rate-limited.
type Follower struct {
	source      Source
	publisher   bus.Publisher
	checkpoints checkpoint.Store
	topic       string
	cursorID    string
	limiter     *rate.Limiter
	interval    time.Duration

	cursor cursor

	// At most one checkpoint write may be outstanding; a tick that finds
	// one in flight is a no-op and the next tick picks up the newer value.
	persisting atomic.Bool
}

// cursor is the follower's single piece of shared mutable state.  All
// mutation goes through advance, which never lets the value regress.
type cursor struct {
	mu  sync.Mutex
	seq int64
}

func (c *cursor) advance(seq int64) {
	c.mu.Lock()
	if seq > c.seq {
		c.seq = seq
	}
	c.mu.Unlock()
}

func (c *cursor) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// New constructs a Follower.  limit caps publishes per second with the
// given burst; interval is the checkpoint period (DefaultPersistInterval
// if zero).
func New(source Source, publisher bus.Publisher, checkpoints checkpoint.Store, topic, cursorID string, limit rate.Limit, burst int, interval time.Duration) *Follower {
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	return &Follower{
		source:      source,
		publisher:   publisher,
		checkpoints: checkpoints,
		topic:       topic,
		cursorID:    cursorID,
		limiter:     rate.NewLimiter(limit, burst),
		interval:    interval,
	}
}

// Run consumes the change feed until ctx is canceled.
//
// The initial cursor read must succeed and find a document: starting from
// zero would replay the entire feed and starting from "now" would skip
// events silently, so either failure is returned as fatal and the process
// terminates before subscribing.
func (f *Follower) Run(ctx context.Context) error {
	since, ok, err := f.checkpoints.Get(ctx, f.cursorID)
	if err != nil {
		return errors.Wrap(err, "follower: read initial cursor")
	}
	if !ok {
		return errors.New("follower: no cursor document for " + f.cursorID + "; seed one before starting")
	}
	f.cursor.advance(since)
	slog.Info("following change feed", "cursor", since, "topic", f.topic)

	// The persist loop must not outlive the subscription.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.persistLoop(ctx)
	}()

	err = f.source.Subscribe(ctx, since, f.handle)
	cancel()
	wg.Wait()

	// Final checkpoint with a fresh context; ctx is already canceled on
	// the normal shutdown path.
	f.persist(context.Background())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle processes one delivered change event.  It always returns nil:
// per-event problems are logged, and lost publishes are recovered by feed
// redelivery after restart, not by re-publishing here.
func (f *Follower) handle(ctx context.Context, ev registry.ChangeEvent) error {
	if !ev.Valid() {
		slog.Warn("dropping change event without id", "seq", ev.Seq)
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil
	}
	err := f.publisher.Publish(ctx, f.topic, bus.Message{Payload: []byte(ev.ID)})
	if err != nil {
		slog.Error("change publish failed", "package", ev.ID, "seq", ev.Seq, "error", err)
	}
	// The cursor advances after the publish attempt regardless of its
	// outcome, and only ever forward: a redelivered or out-of-order event
	// must not regress it.
	f.cursor.advance(ev.Seq)
	return nil
}

func (f *Follower) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.persist(ctx)
		}
	}
}

// persist writes the current cursor to the checkpoint store, coalescing
// with any write already in flight.
func (f *Follower) persist(ctx context.Context) {
	if !f.persisting.CompareAndSwap(false, true) {
		return
	}
	defer f.persisting.Store(false)

	seq := f.cursor.value()
	if err := f.checkpoints.Set(ctx, f.cursorID, seq); err != nil {
		slog.Error("cursor persist failed", "cursor", seq, "error", err)
		return
	}
	slog.Debug("cursor persisted", "cursor", seq)
}
