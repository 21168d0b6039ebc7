// Package workflow enforces the legal state transitions of leave requests
// and routine days. Every valid transition emits a domain event to the
// notification sink; rejected transitions mutate nothing and emit nothing.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"campusfeed/internal/model"
)

// ErrInvalidTransition rejects a state change from a non-permitting state.
// The entity keeps its original state and no notification goes out.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrNotFound mirrors the store's not-found for callers that only import
// this package.
var ErrNotFound = errors.New("not found")

// invalidTransition wraps ErrInvalidTransition with the precise reason shown
// to the caller.
func invalidTransition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Event describes one committed workflow occurrence. The dispatcher resolves
// the audience from these fields and publishes the resulting notification.
type Event struct {
	Kind     model.NotificationKind
	EntityID string
	// From/To form the idempotent dispatch key together with EntityID.
	From string
	To   string
	// Requester targets identity-scoped notifications.
	Requester string
	// CourseRef drives approver-role resolution for leave creation.
	CourseRef string
	// AudienceRole targets role-scoped notifications directly.
	AudienceRole string
	Broadcast    bool
	Data         json.RawMessage
}

// DedupKey identifies a transition for at-most-once dispatch.
func (e Event) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Kind, e.EntityID, e.From, e.To)
}

// Sink accepts committed workflow events. Implementations must not block the
// caller beyond a queue handoff and must never return delivery failures into
// the workflow.
type Sink interface {
	OnWorkflowEvent(ctx context.Context, event Event)
}

// keyedMutex serializes transitions per entity id so the state-machine
// guards hold under concurrent requests. Entries are reference counted and
// removed once no holder or waiter remains, keeping the map bounded by the
// number of in-flight transitions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func marshalData(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
