package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func openTestDB(t *testing.T) (*sql.DB, repo.Repo) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return conn, repo.Repo{DB: conn, Dialect: dialect}
}

func appendEvent(t *testing.T, conn *sql.DB, w Writer, evtType, tenant string) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, w.Append(context.Background(), tx, evtType, tenant, "application", "app-1", "alice", EventPayload{"k": "v"}))
	require.NoError(t, tx.Commit())
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	fail     bool
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats unavailable")
	}
	f.subjects = append(f.subjects, subj)
	f.bodies = append(f.bodies, data)
	return nil
}

func TestDispatcherDeliversNewEventsToSinks(t *testing.T) {
	conn, r := openTestDB(t)
	w := Writer{Dialect: r.Dialect, Now: func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }}
	appendEvent(t, conn, w, TypeSignalRecorded, "acme")

	var (
		mu        sync.Mutex
		received  []Envelope
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var env Envelope
		_ = json.Unmarshal(body, &env)
		mu.Lock()
		received = append(received, env)
		signature = req.Header.Get("X-Stageline-Signature")
		mu.Unlock()
		assert.Equal(t, "sha256="+Sign("topsecret", body), req.Header.Get("X-Stageline-Signature"))
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pub := &fakePublisher{}
	d := &Dispatcher{
		Repo: r,
		Sinks: append(WebhookSinks([]config.WebhookConfig{{ID: "audit", URL: srv.URL, Secret: "topsecret", Events: []string{TypeApplicationTransitioned}}}),
			NewNATSSink(pub, "stageline.events", nil)),
	}
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	appendEvent(t, conn, w, TypeApplicationTransitioned, "acme")
	appendEvent(t, conn, w, TypeFeedbackSubmitted, "acme")
	d.DispatchOnce(ctx)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, TypeApplicationTransitioned, received[0].Type)
	assert.Equal(t, "acme", received[0].TenantID)
	assert.JSONEq(t, `{"k":"v"}`, string(received[0].Payload))
	assert.NotEmpty(t, signature)
	mu.Unlock()

	assert.Equal(t, []string{
		"stageline.events.acme." + TypeApplicationTransitioned,
		"stageline.events.acme." + TypeFeedbackSubmitted,
	}, pub.subjects)

	// Nothing new: a second pass delivers nothing.
	d.DispatchOnce(ctx)
	assert.Len(t, pub.subjects, 2)
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	conn, r := openTestDB(t)
	w := Writer{Dialect: r.Dialect}
	pub := &fakePublisher{fail: true}
	d := &Dispatcher{Repo: r, Sinks: []Sink{NewNATSSink(pub, "x", nil)}}
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	appendEvent(t, conn, w, TypeApplicationAttached, "acme")
	d.DispatchOnce(ctx)
	assert.Empty(t, pub.subjects)

	pub.fail = false
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"x.acme." + TypeApplicationAttached}, pub.subjects)
}

// insertEventRow writes an event with an explicit id, standing in for a Postgres
// transaction that drew its id early and committed late.
func insertEventRow(t *testing.T, conn *sql.DB, id int64, ts time.Time, evtType string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO events (id, ts, type, tenant_id, entity_kind, entity_id, actor_id, payload_json)
		VALUES (?, ?, ?, 'acme', 'application', 'app-1', 'alice', '{}')`, id, ts.Format(db.TimeLayout), evtType)
	require.NoError(t, err)
}

func TestDispatcherWaitsForLateCommits(t *testing.T) {
	conn, r := openTestDB(t)
	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	now := base
	pub := &fakePublisher{}
	d := &Dispatcher{
		Repo:   r,
		Sinks:  []Sink{NewNATSSink(pub, "x", nil)},
		Settle: 5 * time.Second,
		Now:    func() time.Time { return now },
	}
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	// id 11 is visible while id 10 is still in flight.
	insertEventRow(t, conn, 11, base.Add(8*time.Second), TypeFeedbackSubmitted)
	now = base.Add(10 * time.Second)
	d.DispatchOnce(ctx)
	assert.Empty(t, pub.subjects)

	insertEventRow(t, conn, 10, base.Add(7*time.Second), TypeApplicationTransitioned)
	now = base.Add(20 * time.Second)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{
		"x.acme." + TypeApplicationTransitioned,
		"x.acme." + TypeFeedbackSubmitted,
	}, pub.subjects)
}

func TestDispatcherStopsAtFirstUnsettledEvent(t *testing.T) {
	conn, r := openTestDB(t)
	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Second)
	pub := &fakePublisher{}
	d := &Dispatcher{
		Repo:   r,
		Sinks:  []Sink{NewNATSSink(pub, "x", nil)},
		Settle: 5 * time.Second,
		Now:    func() time.Time { return now },
	}
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	insertEventRow(t, conn, 1, base, TypeApplicationAttached)
	insertEventRow(t, conn, 2, base.Add(8*time.Second), TypeApplicationTransitioned)
	// Written by a node with a lagging clock.
	insertEventRow(t, conn, 3, base, TypeSignalRecorded)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{"x.acme." + TypeApplicationAttached}, pub.subjects)

	now = base.Add(20 * time.Second)
	d.DispatchOnce(ctx)
	assert.Equal(t, []string{
		"x.acme." + TypeApplicationAttached,
		"x.acme." + TypeApplicationTransitioned,
		"x.acme." + TypeSignalRecorded,
	}, pub.subjects)
}

func TestWebhookSinkReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := NewWebhookSink(config.WebhookConfig{URL: srv.URL})
	err := sink.Deliver(context.Background(), domainEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebhookSinksSkipDisabled(t *testing.T) {
	off := false
	sinks := WebhookSinks([]config.WebhookConfig{{URL: "http://a"}, {URL: "http://b", Enabled: &off}, {URL: " "}})
	require.Len(t, sinks, 1)
	assert.Equal(t, "webhook:http://a", sinks[0].Name())
}

func TestNATSSubjectSanitizesTenant(t *testing.T) {
	sink := NewNATSSink(&fakePublisher{}, "stageline.events.", nil)
	evt := domainEvent()
	evt.TenantID = "acme.eu"
	assert.Equal(t, "stageline.events.acme_eu.signal.recorded", sink.Subject(evt))
}

func domainEvent() domain.Event {
	return domain.Event{ID: 7, Type: TypeSignalRecorded, TenantID: "acme", EntityKind: "application", ActorID: "alice", TS: "2025-01-01T00:00:00Z", Payload: `{}`}
}
