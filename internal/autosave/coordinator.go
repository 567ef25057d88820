// Package autosave persists in-progress field values between step
// submissions without advancing or validating the wizard.
package autosave

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/internal/wizard"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const (
	defaultInterval   = 15 * time.Second
	defaultMaxPending = 10000
	maxFields         = 64
	maxValueLen       = 1024
	shutdownFlush     = 5 * time.Second
)

// Flush results reported to Metrics.
const (
	ResultWritten   = "written"
	ResultUnchanged = "unchanged"
	ResultTerminal  = "skipped_terminal"
	ResultNotFound  = "not_found"
	ResultDropped   = "dropped"
	ResultError     = "error"
)

var (
	errNothingToWrite = errors.New("autosave: nothing to write")
	errTerminal       = errors.New("autosave: session is terminal")
)

// Metrics receives flush outcomes.
type Metrics interface {
	ObserveAutosaveFlush(result string)
}

// Coordinator buffers snapshots per session and writes the newest value of
// each field on a fixed interval. Enqueue never blocks on storage.
type Coordinator struct {
	store      sessions.Store
	logger     *logging.Logger
	metrics    Metrics
	interval   time.Duration
	maxPending int
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]map[string]sessions.Field
	wake    chan struct{}
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store sessions.Store, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		store:      store,
		logger:     logger,
		interval:   defaultInterval,
		maxPending: defaultMaxPending,
		now:        time.Now,
		pending:    make(map[string]map[string]sessions.Field),
		wake:       make(chan struct{}, 1),
	}
}

// WithInterval sets the flush interval.
func (c *Coordinator) WithInterval(d time.Duration) *Coordinator {
	if d > 0 {
		c.interval = d
	}
	return c
}

// WithMetrics attaches flush metrics.
func (c *Coordinator) WithMetrics(m Metrics) *Coordinator {
	c.metrics = m
	return c
}

// WithMaxPending bounds how many sessions may hold unflushed snapshots.
func (c *Coordinator) WithMaxPending(n int) *Coordinator {
	if n > 0 {
		c.maxPending = n
	}
	return c
}

// WithClock overrides the capture clock.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Enqueue records a snapshot captured now. Empty values are ignored so a
// cleared input never erases collected data. Returns false when the snapshot
// was dropped because too many sessions are pending.
func (c *Coordinator) Enqueue(sessionID string, fields map[string]string) bool {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(fields) == 0 {
		return true
	}
	ts := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.pending[sessionID]
	if !ok {
		if len(c.pending) >= c.maxPending {
			c.observe(ResultDropped)
			return false
		}
		buf = make(map[string]sessions.Field, len(fields))
		c.pending[sessionID] = buf
	}
	for k, v := range fields {
		v = strings.TrimSpace(v)
		if k == "" || v == "" || len(v) > maxValueLen {
			continue
		}
		if _, seen := buf[k]; !seen && len(buf) >= maxFields {
			continue
		}
		if prev, seen := buf[k]; seen && prev.UpdatedAt.After(ts) {
			continue
		}
		buf[k] = sessions.Field{Value: v, UpdatedAt: ts}
	}
	if len(buf) == 0 {
		delete(c.pending, sessionID)
	}
	return true
}

// Beacon enqueues a final snapshot and asks the loop to flush soon. It
// returns immediately.
func (c *Coordinator) Beacon(sessionID string, fields map[string]string) bool {
	ok := c.Enqueue(sessionID, fields)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return ok
}

// Pending returns the unflushed values for a session.
func (c *Coordinator) Pending(sessionID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.pending[sessionID]))
	for k, f := range c.pending[sessionID] {
		out[k] = f.Value
	}
	return out
}

// Start runs the flush loop until ctx is cancelled, then makes one last
// bounded attempt to write what is pending.
func (c *Coordinator) Start(ctx context.Context) {
	c.logger.Info("autosave coordinator started", "interval", c.interval.String())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlush)
			n := c.Flush(final)
			cancel()
			c.logger.Info("autosave coordinator stopped", "flushed_sessions", n)
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.wake:
			c.Flush(ctx)
		}
	}
}

// Flush writes every pending snapshot and returns how many sessions were
// attempted. Failures are logged and dropped.
func (c *Coordinator) Flush(ctx context.Context) int {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]map[string]sessions.Field, len(batch))
	c.mu.Unlock()

	for id, fields := range batch {
		c.observe(c.flushOne(ctx, id, fields))
	}
	return len(batch)
}

func (c *Coordinator) flushOne(ctx context.Context, sessionID string, fields map[string]sessions.Field) string {
	now := c.now().UTC()
	_, err := c.store.Update(ctx, sessionID, func(s *sessions.Session) error {
		if s.Terminal() {
			return errTerminal
		}
		var changed int
		for k, f := range fields {
			if !wizard.IsOpenField(s.FormType, k, s.CurrentStep) {
				continue
			}
			ts := f.UpdatedAt
			if ts.After(now) {
				ts = now
			}
			changed += len(s.Merge(map[string]string{k: f.Value}, ts))
		}
		if changed == 0 {
			return errNothingToWrite
		}
		s.LastActivityAt = now
		return nil
	})
	switch {
	case err == nil:
		return ResultWritten
	case errors.Is(err, errNothingToWrite):
		return ResultUnchanged
	case errors.Is(err, errTerminal):
		return ResultTerminal
	case errors.Is(err, sessions.ErrNotFound):
		return ResultNotFound
	default:
		c.logger.Warn("autosave flush failed", "error", err, "session_id", sessionID, "fields", len(fields))
		return ResultError
	}
}

func (c *Coordinator) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveAutosaveFlush(result)
	}
}
