package beacon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu      sync.Mutex
	paths   []string
	batches [][]Event
	status  int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var events []Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.paths = append(c.paths, r.URL.Path)
	c.batches = append(c.batches, events)
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
	}
}

func (c *collector) snapshot() ([]string, [][]Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...), append([][]Event(nil), c.batches...)
}

func newServer(t *testing.T, c *collector) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	return srv
}

func confirmation(eid string) Event {
	return Event{Type: TypeConfirmation, UID: "u1", SID: "s1", EID: eid, CID: eid + ":c", Timestamp: time.Unix(0, 0).UTC()}
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit(confirmation("e1"))
	r.Emit(Event{Type: TypeContamination, EID: "e1", Reason: "error-thrown"})

	assert.Len(t, r.Events(), 2)
	require.Len(t, r.OfType(TypeContamination), 1)
	assert.Equal(t, "error-thrown", r.OfType(TypeContamination)[0].Reason)
}

func TestMultiFansOut(t *testing.T) {
	var a, b Recorder
	Multi{&a, Discard{}, &b}.Emit(confirmation("e1"))

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestHTTPEmitterFlushPostsBatches(t *testing.T) {
	c := &collector{}
	srv := newServer(t, c)

	e := NewHTTPEmitter(srv.URL+"/", "prod",
		WithHTTPClient(srv.Client()),
		WithRateLimit(rate.Inf, 1),
		WithBatchSize(2),
		WithFlushInterval(time.Hour),
	)
	assert.Equal(t, srv.URL+"/v1/prod/events", e.URL())

	e.Emit(confirmation("e1"))
	e.Emit(confirmation("e2"))
	e.Emit(confirmation("e3"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	paths, batches := c.snapshot()
	var eids []string
	for _, batch := range batches {
		assert.LessOrEqual(t, len(batch), 2)
		for _, ev := range batch {
			eids = append(eids, ev.EID)
		}
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, eids)
	for _, p := range paths {
		assert.Equal(t, "/v1/prod/events", p)
	}
}

func TestHTTPEmitterReportsServerErrors(t *testing.T) {
	c := &collector{status: http.StatusServiceUnavailable}
	srv := newServer(t, c)

	e := NewHTTPEmitter(srv.URL, "prod", WithHTTPClient(srv.Client()), WithRateLimit(rate.Inf, 1), WithFlushInterval(time.Hour))
	e.Emit(confirmation("e1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	// Failed events are dropped, so the next flush has nothing to send.
	assert.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Close(ctx))
}

func TestHTTPEmitterAfterClose(t *testing.T) {
	c := &collector{}
	srv := newServer(t, c)

	e := NewHTTPEmitter(srv.URL, "prod", WithHTTPClient(srv.Client()), WithRateLimit(rate.Inf, 1))
	ctx := context.Background()
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "close is idempotent")

	e.Emit(confirmation("late"))
	assert.ErrorIs(t, e.Flush(ctx), ErrClosed)

	_, batches := c.snapshot()
	assert.Empty(t, batches)
}
