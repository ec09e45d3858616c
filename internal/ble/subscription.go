package ble

import "sync"

// Subscription is a cancellable stream of characteristic notifications.
// C is closed once the subscription is cancelled or the connection drops.
type Subscription struct {
	C <-chan []byte

	once   sync.Once
	cancel func()
}

// NewSubscription wraps a notification channel and the function that stops
// notifications on the platform side.
func NewSubscription(c <-chan []byte, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Cancel stops the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// notifier fans platform notification callbacks into a channel without
// ever sending on a closed channel.
type notifier struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newNotifier(size int) *notifier {
	return &notifier{ch: make(chan []byte, size)}
}

// deliver copies buf onto the channel. Values are dropped when the consumer
// is not keeping up.
func (n *notifier) deliver(buf []byte) bool {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	select {
	case n.ch <- cp:
		return true
	default:
		return false
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.ch)
	}
}
