package target

import (
	"sync"

	"github.com/loykin/recfleet/internal/notify"
)

// NotificationCategory is the category used for discovery transition
// notifications.
const NotificationCategory = "TargetJvmDiscovery"

// DiscoveryListener receives discovery events. Callbacks are invoked
// synchronously from the emitting platform backend; long work must be
// offloaded by the listener.
type DiscoveryListener func(DiscoveryEvent)

// Client is the contract a platform discovery backend (container
// orchestrator watcher, JDP listener, static config) exposes to the core.
type Client interface {
	AddDiscoveryListener(l DiscoveryListener) int64
	RemoveDiscoveryListener(id int64)
	// ListDiscoverableServices returns the currently known target set. Used
	// for rule-activation sweeps when a rule is added.
	ListDiscoverableServices() []ServiceRef
}

// BaseClient implements listener bookkeeping and notification fan-out for
// platform backends. Backends embed it and call Emit on transitions.
// Fan-out order across listeners is unspecified.
type BaseClient struct {
	mu        sync.Mutex
	nextID    int64
	listeners map[int64]DiscoveryListener
	notifier  notify.Notifier
}

func NewBaseClient(notifier notify.Notifier) *BaseClient {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &BaseClient{
		listeners: make(map[int64]DiscoveryListener),
		notifier:  notifier,
	}
}

func (b *BaseClient) AddDiscoveryListener(l DiscoveryListener) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	return id
}

func (b *BaseClient) RemoveDiscoveryListener(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Emit delivers the event to every registered listener and sends a
// best-effort discovery notification. Notification delivery runs on its own
// goroutine so a slow sink cannot stall discovery dispatch.
func (b *BaseClient) Emit(evt DiscoveryEvent) {
	b.mu.Lock()
	ls := make([]DiscoveryListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	notifier := b.notifier
	b.mu.Unlock()

	for _, l := range ls {
		l(evt)
	}
	go notifier.Notify(notify.Notification{
		Category: NotificationCategory,
		Message: map[string]any{
			"event": map[string]any{
				"kind":       evt.Kind,
				"serviceRef": evt.ServiceRef,
			},
		},
	})
}
