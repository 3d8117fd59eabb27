package session

import "sync"

// notifierDepth bounds pending callback dispatches. The queue only carries
// small closures; if an observer falls this far behind, further
// notifications block the poster rather than reorder.
const notifierDepth = 64

// Notifier marshals callbacks onto a single dispatch goroutine so observers
// see a total order: never two states "in flight" concurrently, and
// bandwidth ticks interleaved consistently with state changes.
type Notifier struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewNotifier creates a Notifier and starts its dispatch goroutine.
func NewNotifier() *Notifier {
	n := &Notifier{tasks: make(chan func(), notifierDepth)}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for f := range n.tasks {
			f()
		}
	}()
	return n
}

// Post enqueues a callback for ordered dispatch. Posts after Close are
// dropped.
func (n *Notifier) Post(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.tasks <- f
}

// Close drains pending callbacks and stops the dispatch goroutine. It
// blocks until the last callback has returned.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.tasks)
	n.mu.Unlock()

	n.wg.Wait()
}
