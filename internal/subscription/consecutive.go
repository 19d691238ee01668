package subscription

import "sync"

// ConsecutiveList tracks values pushed in order and completed in any order.
// Complete reports the prefix of the list that is now fully done.
type ConsecutiveList[T any] struct {
	mu    sync.Mutex
	items []*ConsecutiveItem[T]
}

// ConsecutiveItem is one pushed value.
type ConsecutiveItem[T any] struct {
	list  *ConsecutiveList[T]
	value T
	done  bool
}

// Push appends value to the tail of the list.
func (l *ConsecutiveList[T]) Push(value T) *ConsecutiveItem[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := &ConsecutiveItem[T]{list: l, value: value}
	l.items = append(l.items, item)
	return item
}

// Len returns the number of items not yet released.
func (l *ConsecutiveList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Complete marks the item done and returns the values released from the head
// of the list, oldest first. It is empty while an earlier item is pending.
func (i *ConsecutiveItem[T]) Complete() []T {
	l := i.list
	l.mu.Lock()
	defer l.mu.Unlock()
	i.done = true

	n := 0
	for n < len(l.items) && l.items[n].done {
		n++
	}
	out := make([]T, n)
	for k, it := range l.items[:n] {
		out[k] = it.value
	}
	clear(l.items[:n])
	l.items = l.items[n:]
	return out
}
