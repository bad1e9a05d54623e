// Package event fans out custom-domain status transitions to in-process
// listeners. Cache invalidation in the routing resolver is driven by these
// events rather than TTL expiry; TTL is only the safety net.
package event

import "sync"

// StatusChange describes one domain status transition.
type StatusChange struct {
	DomainID string
	TenantID string
	Hostname string
	From     string
	To       string
}

// Listener receives status changes. Listeners must be fast; slow work
// (webhook delivery, etc.) belongs in a goroutine owned by the listener.
type Listener func(StatusChange)

// Notifier is a synchronous fan-out of status changes to registered
// listeners. Publish order per caller is preserved; listeners run on the
// publishing goroutine so the routing cache is invalidated before the
// transition's database write is considered complete by the caller.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a listener for all future status changes.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Publish delivers a status change to every listener.
func (n *Notifier) Publish(ev StatusChange) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		l(ev)
	}
}
