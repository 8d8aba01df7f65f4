// Package queue implements the durability queue: requests that cannot be
// serviced immediately (offline, or rejected by the admission controller)
// are persisted and replayed once conditions allow.
//
// Items live in the durable store under queue:{provider}:{itemID}; per
// provider they carry a monotone sequence number so the drain replays them
// in FIFO enqueue order. Nothing is ever dropped silently: exceeding the
// retry budget or being evicted from a full queue moves an item to the
// deadletter:{provider}:{itemID} namespace with the final error attached.
//
// Bounded-queue policy: the queue holds at most MaxItems entries per
// provider; when full, the OLDEST item is evicted (dead-lettered with reason
// "evicted: queue full") to make room for the new one. Newer requests are
// assumed to supersede stale offline work.
//
// Payload shapes are opaque to the queue: a handler registry maps each
// item's Type to an executor supplied by the caller.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maeple/aigateway/internal/kvstore"
	"github.com/maeple/aigateway/internal/metrics"
)

// ErrRetryLater is returned by a Handler when the item could not be
// dispatched through no fault of its own (quota still exhausted, connection
// lost again). The drain stops for that provider, the item keeps its place
// and its attempt count.
var ErrRetryLater = errors.New("queue: retry later")

// Default bounds.
const (
	DefaultMaxItems    = 100
	DefaultMaxAttempts = 3
)

// Item is one queued request.
type Item struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Type        string          `json:"type"`
	Descriptor  json.RawMessage `json:"descriptor"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Seq         uint64          `json:"seq"`
}

// DeadLetter is a terminally failed or evicted item.
type DeadLetter struct {
	Item
	FinalError string `json:"final_error"`
}

// Handler replays one queued item. Returning nil acks the item; returning
// ErrRetryLater pauses the drain; any other error nacks it.
type Handler func(ctx context.Context, item *Item) error

// Options tunes a Queue. Zero values use defaults.
type Options struct {
	// MaxItems bounds the per-provider queue length. Default: 100.
	MaxItems int

	// MaxAttempts is the default retry budget for items enqueued without an
	// explicit one. Default: 3.
	MaxAttempts int

	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Queue is the durability queue. Safe for concurrent use; the drain runs one
// sequential worker per provider to preserve FIFO order, with different
// providers draining in parallel.
type Queue struct {
	store       kvstore.Store
	maxItems    int
	maxAttempts int
	log         *slog.Logger
	met         *metrics.Registry
	now         func() time.Time

	// seqMu serializes sequence allocation and enqueue/evict decisions.
	seqMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]Handler
}

// New creates a Queue over the given durable store.
func New(store kvstore.Store, opts Options) *Queue {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:       store,
		maxItems:    maxItems,
		maxAttempts: maxAttempts,
		log:         log,
		met:         opts.Metrics,
		now:         now,
		handlers:    make(map[string]Handler),
	}
}

// RegisterHandler installs the executor for items of the given type.
func (q *Queue) RegisterHandler(itemType string, h Handler) {
	q.hmu.Lock()
	q.handlers[itemType] = h
	q.hmu.Unlock()
}

func (q *Queue) handler(itemType string) (Handler, bool) {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	h, ok := q.handlers[itemType]
	return h, ok
}

// Enqueue persists a request for later dispatch and returns its item ID.
// descriptor must be JSON-marshalable; its shape is opaque to the queue.
func (q *Queue) Enqueue(ctx context.Context, provider, itemType string, descriptor any, maxAttempts int) (string, error) {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("queue: marshal descriptor: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	q.seqMu.Lock()
	defer q.seqMu.Unlock()

	items, err := q.load(ctx, provider)
	if err != nil {
		return "", err
	}

	// Evict the oldest item when the queue is full — recorded as a dead
	// letter, never a silent drop.
	if len(items) >= q.maxItems {
		oldest := items[0]
		if err := q.deadLetter(ctx, oldest, "evicted: queue full"); err != nil {
			return "", err
		}
		q.met.RecordDeadLetter(provider, "evicted")
		q.log.WarnContext(ctx, "queue_evicted_oldest",
			slog.String("provider", provider),
			slog.String("item_id", oldest.ID),
			slog.Int("max_items", q.maxItems),
		)
	}

	seq, err := q.nextSeq(ctx, provider)
	if err != nil {
		return "", err
	}

	item := Item{
		ID:          uuid.New().String(),
		Provider:    provider,
		Type:        itemType,
		Descriptor:  raw,
		EnqueuedAt:  q.now(),
		MaxAttempts: maxAttempts,
		Seq:         seq,
	}

	if err := q.put(ctx, &item); err != nil {
		return "", err
	}

	q.met.RecordEnqueue(provider)
	q.updateDepth(ctx, provider)
	q.log.DebugContext(ctx, "queue_enqueued",
		slog.String("provider", provider),
		slog.String("item_id", item.ID),
		slog.String("type", itemType),
		slog.Uint64("seq", seq),
	)
	return item.ID, nil
}

// DequeueNext returns the oldest queued item for provider, or ok=false when
// the queue is empty. The item stays in the store until Ack or Nack.
func (q *Queue) DequeueNext(ctx context.Context, provider string) (*Item, bool, error) {
	items, err := q.load(ctx, provider)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	return items[0], true, nil
}

// Ack removes a successfully dispatched item.
func (q *Queue) Ack(ctx context.Context, provider, itemID string) error {
	if err := q.store.Delete(ctx, kvstore.KeyQueue(provider, itemID)); err != nil {
		return err
	}
	q.updateDepth(ctx, provider)
	return nil
}

// Nack records a failed dispatch attempt. The item keeps its queue position
// with an incremented attempt count, or moves to the dead-letter namespace
// once the retry budget is spent.
func (q *Queue) Nack(ctx context.Context, provider, itemID string, cause error) error {
	raw, found, err := q.store.Get(ctx, kvstore.KeyQueue(provider, itemID))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return fmt.Errorf("queue: corrupt item %s: %w", itemID, err)
	}

	item.Attempts++
	if item.Attempts >= item.MaxAttempts {
		msg := "retry budget exhausted"
		if cause != nil {
			msg = cause.Error()
		}
		if err := q.deadLetter(ctx, &item, msg); err != nil {
			return err
		}
		q.met.RecordDeadLetter(provider, "exhausted")
		q.log.WarnContext(ctx, "queue_dead_letter",
			slog.String("provider", provider),
			slog.String("item_id", item.ID),
			slog.Int("attempts", item.Attempts),
			slog.String("final_error", msg),
		)
		q.updateDepth(ctx, provider)
		return nil
	}

	return q.put(ctx, &item)
}

// Depth returns the number of queued items for provider.
func (q *Queue) Depth(ctx context.Context, provider string) (int, error) {
	keys, err := q.store.Keys(ctx, kvstore.KeyQueuePrefix(provider))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeadLetters returns the dead-letter records for provider.
func (q *Queue) DeadLetters(ctx context.Context, provider string) ([]*DeadLetter, error) {
	keys, err := q.store.Keys(ctx, kvstore.KeyDeadLetterPrefix(provider))
	if err != nil {
		return nil, err
	}

	out := make([]*DeadLetter, 0, len(keys))
	for _, k := range keys {
		raw, found, err := q.store.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Providers returns every provider that currently has queued items.
func (q *Queue) Providers(ctx context.Context) ([]string, error) {
	keys, err := q.store.Keys(ctx, "queue:")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		// queue:{provider}:{itemID}
		rest := k[len("queue:"):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				p := rest[:i]
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
				break
			}
		}
	}
	return out, nil
}

// Drain replays all queued items. Each provider gets one sequential worker
// (FIFO order within a provider); providers drain in parallel. Items are
// dispatched through the registered handler for their type — which routes
// them back through the full admission and breaker path, never around it.
func (q *Queue) Drain(ctx context.Context) error {
	providers, err := q.Providers(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range providers {
		g.Go(func() error {
			q.drainProvider(gctx, provider)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) drainProvider(ctx context.Context, provider string) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, ok, err := q.DequeueNext(ctx, provider)
		if err != nil {
			q.log.WarnContext(ctx, "queue_drain_error",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
			return
		}
		if !ok {
			return
		}

		h, found := q.handler(item.Type)
		if !found {
			// No executor for this type — dead-letter rather than spin.
			_ = q.deadLetter(ctx, item, fmt.Sprintf("no handler registered for type %q", item.Type))
			q.met.RecordDeadLetter(provider, "no_handler")
			q.updateDepth(ctx, provider)
			continue
		}

		err = h(ctx, item)
		switch {
		case err == nil:
			q.met.RecordDrain(provider, "ok")
			if err := q.Ack(ctx, provider, item.ID); err != nil {
				q.log.WarnContext(ctx, "queue_ack_error",
					slog.String("provider", provider),
					slog.String("item_id", item.ID),
					slog.String("error", err.Error()),
				)
				return
			}

		case errors.Is(err, ErrRetryLater):
			// Conditions have not recovered; stop this provider's drain and
			// keep the item (and its attempt count) untouched.
			q.met.RecordDrain(provider, "deferred")
			return

		default:
			q.met.RecordDrain(provider, "failed")
			if err := q.Nack(ctx, provider, item.ID, err); err != nil {
				q.log.WarnContext(ctx, "queue_nack_error",
					slog.String("provider", provider),
					slog.String("item_id", item.ID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// ── Storage helpers ───────────────────────────────────────────────────────────

// seqKey holds the per-provider enqueue counter. It lives outside the
// queue:{provider}:{itemID} namespace so prefix scans see only items.
func seqKey(provider string) string {
	return "queueseq:" + provider
}

func (q *Queue) nextSeq(ctx context.Context, provider string) (uint64, error) {
	var seq uint64
	raw, found, err := q.store.Get(ctx, seqKey(provider))
	if err != nil {
		return 0, err
	}
	if found {
		if err := json.Unmarshal(raw, &seq); err != nil {
			seq = 0
		}
	}
	seq++

	raw, err = json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err := q.store.Set(ctx, seqKey(provider), raw, 0); err != nil {
		return 0, err
	}
	return seq, nil
}

func (q *Queue) put(ctx context.Context, item *Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal item: %w", err)
	}
	return q.store.Set(ctx, kvstore.KeyQueue(item.Provider, item.ID), raw, 0)
}

// load returns provider's items sorted by ascending Seq.
func (q *Queue) load(ctx context.Context, provider string) ([]*Item, error) {
	keys, err := q.store.Keys(ctx, kvstore.KeyQueuePrefix(provider))
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(keys))
	for _, k := range keys {
		raw, found, err := q.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			q.log.Warn("queue_corrupt_item", slog.String("key", k), slog.String("error", err.Error()))
			_ = q.store.Delete(ctx, k)
			continue
		}
		items = append(items, &item)
	}

	sortItems(items)
	return items, nil
}

func sortItems(items []*Item) {
	// Insertion sort: queues are bounded at ~100 items.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Seq < items[j-1].Seq; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func (q *Queue) deadLetter(ctx context.Context, item *Item, finalError string) error {
	dl := DeadLetter{Item: *item, FinalError: finalError}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter: %w", err)
	}
	if err := q.store.Set(ctx, kvstore.KeyDeadLetter(item.Provider, item.ID), raw, 0); err != nil {
		return err
	}
	return q.store.Delete(ctx, kvstore.KeyQueue(item.Provider, item.ID))
}

func (q *Queue) updateDepth(ctx context.Context, provider string) {
	if q.met == nil {
		return
	}
	if depth, err := q.Depth(ctx, provider); err == nil {
		q.met.SetQueueDepth(provider, depth)
	}
}
