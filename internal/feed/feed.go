// Package feed consumes a registry's continuous change feed: a long-poll
// HTTP stream of newline-delimited JSON change events in non-decreasing
// sequence order, CouchDB _changes style.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/regmirror/regmirror/internal/registry"
)

const (
	reconnectDelay = time.Second
	maxLineBytes   = 1 << 20
)

// Handler receives one change event.  Returning an error aborts the
// current stream; the feed reconnects from the last delivered sequence.
type Handler = func(ctx context.Context, ev registry.ChangeEvent) error

// Feed subscribes to a change feed endpoint.
type Feed struct {
	url        *url.URL
	client     *http.Client
	inactivity time.Duration
}

// New constructs a Feed.  url is the _changes endpoint; inactivity bounds
// how long a stream may stay silent (heartbeats included) before it is
// abandoned and reopened.
func New(feedURL *url.URL, client *http.Client, inactivity time.Duration) *Feed {
	if client == nil {
		client = http.DefaultClient
	}
	return &Feed{url: feedURL, client: client, inactivity: inactivity}
}

// Subscribe delivers all events with sequence greater than since, in feed
// order, until ctx is done.  After a transport error or an inactivity gap
// the feed reconnects from the last delivered sequence, so events at or
// below that point may be redelivered.
func (f *Feed) Subscribe(ctx context.Context, since int64, h Handler) error {
	cursor := since
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		last, err := f.stream(ctx, cursor, h)
		if last > cursor {
			cursor = last
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			slog.Warn("change feed interrupted, reconnecting", "since", cursor, "error", err)
		} else {
			slog.Info("change feed ended, reconnecting", "since", cursor)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// stream opens one long-poll connection and delivers events until the
// stream ends, errs, or goes silent past the inactivity bound.  It
// returns the highest sequence delivered.
func (f *Feed) stream(ctx context.Context, since int64, h Handler) (int64, error) {
	last := since

	// The watchdog cancels the request when the stream stalls; each line
	// (heartbeats included) pushes the deadline out again.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var watchdog *time.Timer
	if f.inactivity > 0 {
		watchdog = time.AfterFunc(f.inactivity, cancel)
		defer watchdog.Stop()
	}

	u := *f.url
	q := u.Query()
	q.Set("feed", "continuous")
	q.Set("since", strconv.FormatInt(since, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return last, errors.Wrap(err, "feed")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return last, errors.Wrap(err, "feed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close feed response body", "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return last, errors.Newf("feed: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(f.inactivity)
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			// heartbeat
			continue
		}
		var ev registry.ChangeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping unparseable change feed line", "error", err)
			continue
		}
		if err := h(ctx, ev); err != nil {
			return last, err
		}
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, errors.Wrap(scanner.Err(), "feed")
}
