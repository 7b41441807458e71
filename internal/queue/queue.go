// Package queue is the durable spool between SMTP acceptance and upstream
// delivery. Envelopes are persisted before the listener replies 250; a
// background worker drives delivery attempts with exponential backoff and
// dead-letters permanent failures for operator inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SilvioTormen/smtprelay-sub001/internal/delivery"
	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// State is a queue item's position in its lifecycle. Transitions are
// monotonic: pending→sending→{delivered, pending, failed_permanent};
// delivered and failed_permanent are terminal.
type State string

const (
	StatePending         State = "pending"
	StateSending         State = "sending"
	StateDelivered       State = "delivered"
	StateFailedPermanent State = "failed_permanent"
)

// ErrInvalidID reports an id that cannot name a spooled item.
var ErrInvalidID = errors.New("invalid queue id")

// Item is one spooled envelope with its retry bookkeeping.
type Item struct {
	ID          string         `json:"id"`
	Envelope    email.Envelope `json:"envelope"`
	State       State          `json:"state"`
	Attempts    int            `json:"attempts"`
	NextAttempt time.Time      `json:"next_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Config tunes the queue's persistence and retry policy.
type Config struct {
	Dir            string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 15 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
}

// Queue is the durable retry queue. Enqueue may be called from many SMTP
// sessions concurrently; item state is only ever advanced by the single
// worker, so the two writer roles never touch the same file at the same
// time.
type Queue struct {
	cfg       Config
	transport delivery.Transport

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New prepares the spool directory and recovers items a previous process
// left mid-attempt.
func New(cfg Config, transport delivery.Transport) (*Queue, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	q := &Queue{cfg: cfg, transport: transport}
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

// recover resets items stuck in "sending" back to pending; the process died
// mid-attempt and the upstream outcome is unknown, so they are retried.
func (q *Queue) recover() error {
	items, err := q.List()
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.State != StateSending {
			continue
		}
		it.State = StatePending
		it.NextAttempt = time.Now()
		if err := q.persist(it); err != nil {
			return err
		}
		slog.Warn("recovered interrupted delivery attempt", "id", it.ID)
	}
	return nil
}

// Enqueue durably spools the envelope and returns the queue id. Only after
// Enqueue returns may the listener send its 250.
func (q *Queue) Enqueue(env *email.Envelope) (string, error) {
	item := &Item{
		ID:          uuid.NewString(),
		Envelope:    *env,
		State:       StatePending,
		NextAttempt: time.Now(),
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.persist(item); err != nil {
		return "", fmt.Errorf("spool envelope: %w", err)
	}
	return item.ID, nil
}

func (q *Queue) itemPath(id string) string {
	return filepath.Join(q.cfg.Dir, id+".json")
}

// persist atomically writes the item file: temp, fsync, rename.
func (q *Queue) persist(item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(q.cfg.Dir, ".spool-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, q.itemPath(item.ID)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Start launches the background worker. Calling Start on a running queue is
// a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	go q.run(q.stopCh, q.done)
}

// Stop shuts the worker down, letting an in-flight attempt finish. It
// returns early if ctx expires first.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stopCh)
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue worker did not stop in time: %w", ctx.Err())
	}
}

func (q *Queue) run(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.scan(stopCh)
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// scan processes every due pending item once.
func (q *Queue) scan(stopCh chan struct{}) {
	items, err := q.List()
	if err != nil {
		slog.Error("spool scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, item := range items {
		select {
		case <-stopCh:
			return
		default:
		}
		if item.State != StatePending || item.NextAttempt.After(now) {
			continue
		}
		q.attempt(item)
	}
}

// attempt drives one delivery attempt and advances the item's state.
func (q *Queue) attempt(item *Item) {
	item.State = StateSending
	if err := q.persist(item); err != nil {
		slog.Error("cannot mark item sending", "id", item.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.AttemptTimeout)
	err := q.transport.Deliver(ctx, &item.Envelope)
	cancel()

	item.Attempts++

	switch {
	case err == nil:
		slog.Info("delivered",
			"id", item.ID,
			"transport", q.transport.Name(),
			"attempts", item.Attempts,
		)
		if rmErr := os.Remove(q.itemPath(item.ID)); rmErr != nil {
			slog.Error("cannot remove delivered item", "id", item.ID, "error", rmErr)
		}

	case delivery.IsPermanent(err) || item.Attempts >= q.cfg.MaxAttempts:
		item.State = StateFailedPermanent
		item.LastError = err.Error()
		slog.Error("dead-lettered",
			"id", item.ID,
			"attempts", item.Attempts,
			"error", err,
		)
		if pErr := q.persist(item); pErr != nil {
			slog.Error("cannot persist dead-letter", "id", item.ID, "error", pErr)
		}

	default:
		item.State = StatePending
		item.LastError = err.Error()
		item.NextAttempt = time.Now().Add(q.backoff(item.Attempts))
		slog.Warn("delivery failed, rescheduling",
			"id", item.ID,
			"attempts", item.Attempts,
			"next_attempt", item.NextAttempt,
			"error", err,
		)
		if pErr := q.persist(item); pErr != nil {
			slog.Error("cannot persist rescheduled item", "id", item.ID, "error", pErr)
		}
	}
}

// backoff computes base * 2^(attempts-1), capped, with up to 10% jitter so
// a burst of failures does not retry in lockstep.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			d = q.cfg.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// List returns all spooled items, oldest first, optionally filtered by
// state.
func (q *Queue) List(states ...State) ([]*Item, error) {
	entries, err := os.ReadDir(q.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var items []*Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		item, err := q.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			slog.Warn("skipping unreadable spool file", "file", e.Name(), "error", err)
			continue
		}
		if len(states) > 0 && !containsState(states, item.State) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].EnqueuedAt.Before(items[j].EnqueuedAt) })
	return items, nil
}

// Get returns one item by id.
func (q *Queue) Get(id string) (*Item, error) {
	return q.load(id)
}

// Requeue resets a dead-lettered item for immediate redelivery with a
// fresh attempt budget.
func (q *Queue) Requeue(id string) error {
	item, err := q.load(id)
	if err != nil {
		return err
	}
	if item.State != StateFailedPermanent {
		return fmt.Errorf("item %s is %s, only failed_permanent items can be requeued", id, item.State)
	}
	item.State = StatePending
	item.Attempts = 0
	item.LastError = ""
	item.NextAttempt = time.Now()
	return q.persist(item)
}

// Remove deletes a spooled item. In-flight items cannot be removed.
func (q *Queue) Remove(id string) error {
	item, err := q.load(id)
	if err != nil {
		return err
	}
	if item.State == StateSending {
		return fmt.Errorf("item %s is being delivered", id)
	}
	return os.Remove(q.itemPath(id))
}

func (q *Queue) load(id string) (*Item, error) {
	// ids arrive from management callers too; only a bare UUID may reach
	// the filesystem
	if err := uuid.Validate(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(q.itemPath(id))
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("parse spool file %s: %w", id, err)
	}
	return &item, nil
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
