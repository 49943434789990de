package notify

import "sync"

// Cell is a single-writer, versioned observable register. Late
// subscribers immediately receive the latest known value, not just
// future updates.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	set     bool
	subs    map[int]chan T
	next    int
}

// NewCell creates an empty cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{subs: make(map[int]chan T)}
}

// Set stores a new value and notifies all subscribers.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = v
	c.version++
	c.set = true

	for _, ch := range c.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Get returns the latest value and whether one has ever been set.
func (c *Cell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Version returns the number of Set calls so far.
func (c *Cell[T]) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Subscribe registers an observer. If a value has already been set the
// channel immediately carries the latest value (replay-latest).
func (c *Cell[T]) Subscribe() (<-chan T, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan T, subscriberBuffer)
	if c.set {
		ch <- c.value
	}
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
