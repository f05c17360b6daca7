package follower

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/regmirror/regmirror/internal/bus"
	"github.com/regmirror/regmirror/internal/checkpoint"
	"github.com/regmirror/regmirror/internal/registry"
)

// sliceSource replays a fixed set of events and records the since value it
// was subscribed with.
type sliceSource struct {
	events []registry.ChangeEvent
	since  int64
}

func (s *sliceSource) Subscribe(ctx context.Context, since int64, h func(ctx context.Context, ev registry.ChangeEvent) error) error {
	s.since = since
	for _, ev := range s.events {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return context.Canceled
}

// recordingPublisher collects published payloads and optionally fails.
type recordingPublisher struct {
	mu       sync.Mutex
	payloads []string
	failOn   string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != "" && string(msg.Payload) == p.failOn {
		return fmt.Errorf("publish rejected")
	}
	p.payloads = append(p.payloads, string(msg.Payload))
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func newTestFollower(source Source, pub bus.Publisher, cp checkpoint.Store) *Follower {
	return New(source, pub, cp, "change-ids", "registry", 1000, 1000, time.Hour)
}

func TestRunRequiresSeededCursor(t *testing.T) {
	t.Parallel()

	f := newTestFollower(&sliceSource{}, &recordingPublisher{}, checkpoint.NewMemStore())
	if err := f.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded without a cursor document")
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewMemStore()
	if err := cp.Set(context.Background(), "registry", 41); err != nil {
		t.Fatal(err)
	}
	source := &sliceSource{events: []registry.ChangeEvent{
		{ID: "left-pad", Seq: 42},
		{ID: "lodash", Seq: 43},
	}}
	pub := &recordingPublisher{}

	f := newTestFollower(source, pub, cp)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal("Run failed:", err)
	}

	if source.since != 41 {
		t.Error("subscribed from wrong cursor:", source.since)
	}
	got := pub.published()
	if len(got) != 2 || got[0] != "left-pad" || got[1] != "lodash" {
		t.Error("unexpected publishes:", got)
	}

	// Final checkpoint after shutdown.
	seq, ok, err := cp.Get(context.Background(), "registry")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || seq != 43 {
		t.Errorf("final cursor = (%d, %v), want (43, true)", seq, ok)
	}
}

func TestRunDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewMemStore()
	_ = cp.Set(context.Background(), "registry", 0)
	source := &sliceSource{events: []registry.ChangeEvent{
		{ID: "", Seq: 1},
		{ID: "ok", Seq: 2},
	}}
	pub := &recordingPublisher{}

	f := newTestFollower(source, pub, cp)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := pub.published()
	if len(got) != 1 || got[0] != "ok" {
		t.Error("invalid event was published:", got)
	}
}

func TestRunAdvancesCursorPastFailedPublish(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewMemStore()
	_ = cp.Set(context.Background(), "registry", 0)
	source := &sliceSource{events: []registry.ChangeEvent{
		{ID: "good", Seq: 1},
		{ID: "bad", Seq: 2},
		{ID: "alsogood", Seq: 3},
	}}
	pub := &recordingPublisher{failOn: "bad"}

	f := newTestFollower(source, pub, cp)
	if err := f.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The failed publish is not retried and must not pin the cursor.
	seq, _, err := cp.Get(context.Background(), "registry")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 {
		t.Error("cursor did not advance past failed publish:", seq)
	}
	got := pub.published()
	if len(got) != 2 {
		t.Error("unexpected publishes:", got)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	t.Parallel()

	var c cursor
	c.advance(10)
	c.advance(5) // redelivered event
	if c.value() != 10 {
		t.Error("cursor regressed to", c.value())
	}
	c.advance(11)
	if c.value() != 11 {
		t.Error("cursor did not advance:", c.value())
	}
}

// blockingStore stalls Set so a second persist can be attempted while one
// is in flight.
type blockingStore struct {
	*checkpoint.MemStore
	entered chan struct{}
	release chan struct{}
	writes  int
}

func (s *blockingStore) Set(ctx context.Context, id string, seq int64) error {
	s.entered <- struct{}{}
	<-s.release
	s.writes++
	return s.MemStore.Set(ctx, id, seq)
}

func TestPersistCoalescesOverlappingWrites(t *testing.T) {
	t.Parallel()

	store := &blockingStore{
		MemStore: checkpoint.NewMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	f := newTestFollower(&sliceSource{}, &recordingPublisher{}, store)
	f.cursor.advance(7)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.persist(context.Background())
	}()
	<-store.entered

	// A persist that finds one in flight must bow out without writing.
	f.persist(context.Background())

	close(store.release)
	<-done

	if store.writes != 1 {
		t.Error("overlapping persists were not coalesced, writes =", store.writes)
	}
	seq, _, err := store.Get(context.Background(), "registry")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 {
		t.Error("persisted wrong cursor:", seq)
	}
}
