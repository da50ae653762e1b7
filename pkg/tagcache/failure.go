package tagcache

import (
	"fmt"
	"sync"
)

// Failure describes one internally-absorbed store or lock failure. The call
// that hit it has already returned its benign result; the Failure is the only
// record that anything went wrong.
type Failure struct {
	// Message names the failing operation and, where relevant, the key or tag.
	Message string
	// Cause is the underlying error: a store.ConnectivityError,
	// store.StoreError, or ErrLockTimeout.
	Cause error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Message, f.Cause)
}

// failureNotifier fans a Failure out to every subscriber, synchronously,
// inside the failing call.
type failureNotifier struct {
	mu          sync.RWMutex
	subscribers []func(Failure)
}

func (n *failureNotifier) subscribe(fn func(Failure)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, fn)
}

func (n *failureNotifier) publish(f Failure) {
	n.mu.RLock()
	subs := n.subscribers
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(f)
	}
}
