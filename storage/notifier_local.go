package storage

import "sync"

// LocalNotifier is an in-process broker for single-binary deployments and
// tests. Delivery is asynchronous, mirroring the no-ordering, at-least-once
// contract of the real channel.
type LocalNotifier struct {
	mu     sync.RWMutex
	subs   []func(Event)
	closed bool
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

func (n *LocalNotifier) Publish(ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil
	}
	for _, fn := range n.subs {
		go fn(ev)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(fn func(Event)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
	return nil
}

func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.subs = nil
	return nil
}
