package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for HTTPEmitter.
const (
	DefaultBatchSize     = 25
	DefaultFlushInterval = time.Second
	DefaultRate          = rate.Limit(5) // posts per second
	DefaultBurst         = 1
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("beacon: emitter closed")

// HTTPEmitter batches events and posts them as a JSON array to
// {endpoint}/v1/{environment}/events.
//
// Thread-safety: All methods are safe for concurrent use. A single background
// goroutine owns the network; Emit only appends to the buffer.
type HTTPEmitter struct {
	url      string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	batch    int
	interval time.Duration

	mu      sync.Mutex
	buf     []Event
	closed  bool
	wake    chan struct{}
	flushes chan chan error
	done    chan struct{}
	stopped chan struct{}
}

// HTTPOption configures an HTTPEmitter.
type HTTPOption func(*HTTPEmitter)

// WithHTTPClient sets the client used for posts.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPEmitter) {
		e.client = c
	}
}

// WithRateLimit sets the maximum post rate.
func WithRateLimit(limit rate.Limit, burst int) HTTPOption {
	return func(e *HTTPEmitter) {
		e.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBatchSize sets how many buffered events trigger an early post.
func WithBatchSize(n int) HTTPOption {
	return func(e *HTTPEmitter) {
		if n > 0 {
			e.batch = n
		}
	}
}

// WithFlushInterval sets how often buffered events are posted.
func WithFlushInterval(d time.Duration) HTTPOption {
	return func(e *HTTPEmitter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithLogger sets the emitter logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(e *HTTPEmitter) {
		e.logger = l
	}
}

// NewHTTPEmitter starts an emitter posting to endpoint for environment.
// Close must be called to stop its goroutine.
func NewHTTPEmitter(endpoint, environment string, opts ...HTTPOption) *HTTPEmitter {
	e := &HTTPEmitter{
		url:      fmt.Sprintf("%s/v1/%s/events", strings.TrimRight(endpoint, "/"), environment),
		client:   http.DefaultClient,
		limiter:  rate.NewLimiter(DefaultRate, DefaultBurst),
		logger:   slog.Default(),
		batch:    DefaultBatchSize,
		interval: DefaultFlushInterval,
		wake:     make(chan struct{}, 1),
		flushes:  make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// URL returns the events endpoint.
func (e *HTTPEmitter) URL() string {
	return e.url
}

// Emit buffers ev. Events emitted after Close are dropped.
func (e *HTTPEmitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("beacon dropped after close", "type", ev.Type, "eid", ev.EID)
		return
	}
	e.buf = append(e.buf, ev)
	full := len(e.buf) >= e.batch
	e.mu.Unlock()

	if full {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Flush posts every buffered event and returns the first post error.
func (e *HTTPEmitter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.flushes <- reply:
	case <-e.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes remaining events and stops the background goroutine.
func (e *HTTPEmitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.Flush(ctx)
	close(e.done)
	select {
	case <-e.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (e *HTTPEmitter) run() {
	defer close(e.stopped)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.done
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			e.send(ctx)
		case <-e.wake:
			e.send(ctx)
		case reply := <-e.flushes:
			reply <- e.send(ctx)
		case <-e.done:
			return
		}
	}
}

// send posts the buffered events in batches. Events of a failed post are
// dropped and the error logged.
func (e *HTTPEmitter) send(ctx context.Context) error {
	var first error
	for {
		e.mu.Lock()
		n := min(len(e.buf), e.batch)
		events := e.buf[:n:n]
		e.buf = e.buf[n:]
		e.mu.Unlock()
		if n == 0 {
			return first
		}
		if err := e.post(ctx, events); err != nil {
			e.logger.Warn("beacon post failed", "url", e.url, "events", len(events), "error", err)
			if first == nil {
				first = err
			}
		}
	}
}

func (e *HTTPEmitter) post(ctx context.Context, events []Event) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post events: unexpected status %s", resp.Status)
	}
	e.logger.Debug("beacon posted", "events", len(events))
	return nil
}

var (
	_ Emitter = (*Recorder)(nil)
	_ Emitter = (*HTTPEmitter)(nil)
	_ Emitter = Discard{}
	_ Emitter = Multi(nil)
)
