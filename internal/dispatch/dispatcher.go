// Package dispatch turns committed workflow events into notifications. The
// notification row is written synchronously so snapshots never miss it; the
// bus publish rides an asynchronous bounded queue so delivery can never
// block or fail a workflow mutation.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"campusfeed/internal/bus"
	"campusfeed/internal/clients"
	"campusfeed/internal/metrics"
	"campusfeed/internal/model"
	"campusfeed/internal/repository"
	"campusfeed/internal/workflow"
)

// ErrTimeout is returned when a snapshot exceeds its deadline. It is
// retryable.
var ErrTimeout = errors.New("timeout")

// Options tune the dispatcher.
type Options struct {
	// QueueSize bounds the async publish queue.
	QueueSize int
	// Workers is the publish fan-out pool size.
	Workers int
	// SnapshotTimeout bounds Snapshot when the caller's context has no
	// earlier deadline.
	SnapshotTimeout time.Duration
	// SnapshotLimit caps the rows a snapshot returns.
	SnapshotLimit int
	// DedupTTL bounds how long a transition's dedup key is remembered.
	DedupTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = 3 * time.Second
	}
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = 100
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
	return o
}

// Dispatcher implements workflow.Sink and the snapshot query.
type Dispatcher struct {
	store     repository.NotificationStore
	bus       *bus.Bus
	directory clients.Directory
	redis     *redis.Client
	opts      Options

	queue chan model.Notification
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// New builds a dispatcher. redisClient may be nil; dedup then falls back to
// an in-process map.
func New(store repository.NotificationStore, b *bus.Bus, directory clients.Directory, redisClient *redis.Client, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		store:     store,
		bus:       b,
		directory: directory,
		redis:     redisClient,
		opts:      opts,
		queue:     make(chan model.Notification, opts.QueueSize),
		stopped:   make(chan struct{}),
		dedup:     make(map[string]time.Time),
	}
}

// Start launches the publish worker pool. Idempotent.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Stop drains nothing: queued publishes not yet picked up are discarded,
// which best-effort delivery permits. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopped:
			return
		case n := <-d.queue:
			d.bus.Publish(n.Audience.Topic(), n)
			metrics.NotificationsPublished.WithLabelValues(string(n.Kind)).Inc()
		}
	}
}

// OnWorkflowEvent resolves the audience, appends the notification to the
// authoritative log, and queues the live publish. Dispatch-path failures are
// logged and swallowed: they must never fail the workflow mutation that
// produced the event.
func (d *Dispatcher) OnWorkflowEvent(ctx context.Context, event workflow.Event) {
	if duplicate := d.seenBefore(ctx, event.DedupKey()); duplicate {
		log.Printf("dispatch: duplicate event %s, skipped", event.DedupKey())
		return
	}

	audience, err := d.resolveAudience(ctx, event)
	if err != nil {
		// UnknownAudience: logged, not surfaced.
		log.Printf("dispatch: no audience for %s event %s: %v", event.Kind, event.EntityID, err)
		metrics.NotificationsDropped.WithLabelValues("unknown_audience").Inc()
		return
	}

	n := model.Notification{
		ID:        uuid.NewString(),
		Kind:      event.Kind,
		Audience:  audience,
		Data:      event.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		log.Printf("dispatch: persist %s notification failed: %v", n.Kind, err)
		metrics.NotificationsDropped.WithLabelValues("store_error").Inc()
		return
	}

	select {
	case d.queue <- n:
	default:
		log.Printf("dispatch: queue full, dropped live publish of %s %s", n.Kind, n.ID)
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
	}
}

// Notify publishes an ad hoc notification outside any workflow, used for
// the generic faculty-notification announcements. Same persistence and
// queueing rules as workflow events.
func (d *Dispatcher) Notify(ctx context.Context, audience model.Audience, data []byte) (model.Notification, error) {
	n := model.Notification{
		ID:        uuid.NewString(),
		Kind:      model.KindFacultyNotification,
		Audience:  audience,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		return model.Notification{}, err
	}
	select {
	case d.queue <- n:
	default:
		log.Printf("dispatch: queue full, dropped live publish of %s %s", n.Kind, n.ID)
		metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
	}
	return n, nil
}

// Snapshot returns the notifications currently relevant to the identity and
// role set, most recent first, from the same log the live path writes. The
// query is bounded: an exceeded deadline surfaces ErrTimeout to the caller.
func (d *Dispatcher) Snapshot(ctx context.Context, identity string, roles []string) ([]model.Notification, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SnapshotTimeout)
		defer cancel()
	}
	list, err := d.store.ListNotifications(ctx, identity, roles, d.opts.SnapshotLimit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return list, nil
}

func (d *Dispatcher) resolveAudience(ctx context.Context, event workflow.Event) (model.Audience, error) {
	switch event.Kind {
	case model.KindLeaveRequestCreated:
		role, err := d.directory.ApproverRole(ctx, event.CourseRef)
		if err != nil {
			return model.Audience{}, err
		}
		return model.RoleAudience(role), nil
	case model.KindLeaveDecided:
		if event.Requester == "" {
			return model.Audience{}, errors.New("event has no requester")
		}
		return model.IdentityAudience(event.Requester), nil
	case model.KindRoutineStatusChange, model.KindRoutineNoteUploaded:
		if event.AudienceRole == "" {
			return model.Audience{}, errors.New("event has no audience role")
		}
		return model.RoleAudience(event.AudienceRole), nil
	default:
		if event.Broadcast {
			return model.BroadcastAudience(), nil
		}
		if event.AudienceRole != "" {
			return model.RoleAudience(event.AudienceRole), nil
		}
		if event.Requester != "" {
			return model.IdentityAudience(event.Requester), nil
		}
		return model.Audience{}, errors.New("unresolvable audience")
	}
}

// seenBefore marks the dedup key and reports whether it was already marked.
// With redis configured the mark survives restarts and is shared across
// replicas; otherwise an in-process map with TTL expiry is used.
func (d *Dispatcher) seenBefore(ctx context.Context, key string) bool {
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, "dispatch:"+key, 1, d.opts.DedupTTL).Result()
		if err == nil {
			return !ok
		}
		log.Printf("dispatch: redis dedup failed, falling back to local: %v", err)
	}

	now := time.Now()
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	if expires, ok := d.dedup[key]; ok && now.Before(expires) {
		return true
	}
	d.dedup[key] = now.Add(d.opts.DedupTTL)
	if len(d.dedup) > 4096 {
		for k, expires := range d.dedup {
			if now.After(expires) {
				delete(d.dedup, k)
			}
		}
	}
	return false
}
