package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
	defaultSettle   = 5 * time.Second
)

// Sink receives committed outbox events.
type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

// Dispatcher tails the outbox and hands events to each sink, keeping one cursor per
// sink. Delivery is at-least-once from the dispatcher's start position.
type Dispatcher struct {
	Repo     repo.Repo
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
	// Settle holds back events younger than this. Postgres assigns ids before commit,
	// so a higher id can become visible first; the cursor never passes an unsettled
	// event. Zero uses defaultSettle on postgres and no delay on sqlite.
	Settle time.Duration
	Now    func() time.Time

	mu      sync.Mutex
	cursors map[string]int64
}

func (d *Dispatcher) settle() time.Duration {
	if d.Settle > 0 {
		return d.Settle
	}
	if d.Repo.Dialect == db.Postgres {
		return defaultSettle
	}
	return 0
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Start positions every sink at the newest event so history is not replayed.
func (d *Dispatcher) Start(ctx context.Context) error {
	latest, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[string]int64, len(d.Sinks))
	for _, s := range d.Sinks {
		d.cursors[s.Name()] = latest
	}
	return nil
}

// Run dispatches on a ticker until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per sink. A failed delivery stops that sink's batch so
// the event is retried on the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sink := range d.Sinks {
		d.dispatchSink(ctx, sink)
	}
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink Sink) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	cursor := d.cursor(sink.Name())
	evts, err := d.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		d.logger().Error("outbox fetch failed", "sink", sink.Name(), "err", err)
		return
	}
	settle := d.settle()
	cutoff := d.now().Add(-settle)
	for _, evt := range evts {
		if settle > 0 && !settledBy(evt, cutoff) {
			return
		}
		if sink.Accepts(evt.Type) {
			if err := sink.Deliver(ctx, evt); err != nil {
				d.logger().Warn("event delivery failed", "sink", sink.Name(), "event_id", evt.ID, "type", evt.Type, "err", err)
				return
			}
		}
		d.setCursor(sink.Name(), evt.ID)
	}
}

func settledBy(evt domain.Event, cutoff time.Time) bool {
	ts, err := time.Parse(time.RFC3339Nano, evt.TS)
	if err != nil {
		return true
	}
	return !ts.After(cutoff)
}

func (d *Dispatcher) cursor(name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	return d.cursors[name]
}

func (d *Dispatcher) setCursor(name string, value int64) {
	d.mu.Lock()
	d.cursors[name] = value
	d.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
