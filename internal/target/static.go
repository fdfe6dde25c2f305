package target

import (
	"errors"
	"sync"

	"github.com/loykin/recfleet/internal/notify"
)

var ErrTargetExists = errors.New("target already registered")

// StaticClient is a platform client over an explicit target list: the
// daemon seeds it from configuration and operators add or remove custom
// targets at runtime. Appear/Disappear emit the corresponding discovery
// transitions.
type StaticClient struct {
	*BaseClient

	mu   sync.RWMutex
	refs map[string]ServiceRef
}

func NewStaticClient(notifier notify.Notifier) *StaticClient {
	return &StaticClient{
		BaseClient: NewBaseClient(notifier),
		refs:       make(map[string]ServiceRef),
	}
}

// Appear registers a target and emits FOUND. Re-registering the same URI
// with identical attributes is an error; a changed ref supersedes the old
// one with a LOST/FOUND pair.
func (c *StaticClient) Appear(ref ServiceRef) error {
	c.mu.Lock()
	prev, exists := c.refs[ref.ConnectURI]
	if exists && equalRefs(prev, ref) {
		c.mu.Unlock()
		return ErrTargetExists
	}
	c.refs[ref.ConnectURI] = ref
	c.mu.Unlock()

	if exists {
		c.Emit(DiscoveryEvent{Kind: EventLost, ServiceRef: prev})
	}
	c.Emit(DiscoveryEvent{Kind: EventFound, ServiceRef: ref})
	return nil
}

// Disappear removes a target by URI and emits LOST. Unknown URIs are a
// no-op.
func (c *StaticClient) Disappear(connectURI string) {
	c.mu.Lock()
	ref, ok := c.refs[connectURI]
	if ok {
		delete(c.refs, connectURI)
	}
	c.mu.Unlock()
	if ok {
		c.Emit(DiscoveryEvent{Kind: EventLost, ServiceRef: ref})
	}
}

func (c *StaticClient) ListDiscoverableServices() []ServiceRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceRef, 0, len(c.refs))
	for _, r := range c.refs {
		out = append(out, r)
	}
	return out
}

func equalRefs(a, b ServiceRef) bool {
	if a.ConnectURI != b.ConnectURI || a.Alias != b.Alias {
		return false
	}
	if len(a.Annotations) != len(b.Annotations) {
		return false
	}
	for k, v := range a.Annotations {
		if b.Annotations[k] != v {
			return false
		}
	}
	return true
}
