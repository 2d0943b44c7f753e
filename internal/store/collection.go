package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record id does not resolve.
var ErrNotFound = errors.New("not found")

// Record is an entity addressable by id.
type Record interface {
	RecordID() string
}

// Collection is an ordered list of records. Every mutation swaps in a new
// backing slice, so slices handed out earlier are never modified.
type Collection[T Record] struct {
	name    string
	prepend bool
	stamp   func(item *T, id string, now time.Time)
	newID   func() string
	now     func() time.Time

	items []T
	dirty bool
}

func newCollection[T Record](name string, prepend bool, stamp func(*T, string, time.Time)) *Collection[T] {
	return &Collection[T]{name: name, prepend: prepend, stamp: stamp}
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) Len() int { return len(c.items) }

// All returns the records in display order.
func (c *Collection[T]) All() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection[T]) Get(id string) (T, error) {
	for _, it := range c.items {
		if it.RecordID() == id {
			return it, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%s %s: %w", c.name, id, ErrNotFound)
}

// Find returns every record matching pred, in display order.
func (c *Collection[T]) Find(pred func(T) bool) []T {
	var out []T
	for _, it := range c.items {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// First returns the first record matching pred.
func (c *Collection[T]) First(pred func(T) bool) (T, bool) {
	for _, it := range c.items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Create assigns a fresh id and creation time, then inserts the record at the
// front or the back depending on the collection.
func (c *Collection[T]) Create(item T) T {
	c.stamp(&item, c.newID(), c.now())
	next := make([]T, 0, len(c.items)+1)
	if c.prepend {
		next = append(next, item)
		next = append(next, c.items...)
	} else {
		next = append(next, c.items...)
		next = append(next, item)
	}
	c.items = next
	c.dirty = true
	return item
}

// Update applies patch to a copy of the record with the given id.
func (c *Collection[T]) Update(id string, patch func(*T)) (T, error) {
	idx := -1
	for i, it := range c.items {
		if it.RecordID() == id {
			idx = i
			break
		}
	}
	var zero T
	if idx < 0 {
		return zero, fmt.Errorf("%s %s: %w", c.name, id, ErrNotFound)
	}
	item := c.items[idx]
	patch(&item)
	if item.RecordID() != id {
		return zero, fmt.Errorf("%s %s: update changed record id", c.name, id)
	}
	next := make([]T, len(c.items))
	copy(next, c.items)
	next[idx] = item
	c.items = next
	c.dirty = true
	return item, nil
}

func (c *Collection[T]) replace(items []T) {
	c.items = items
}

func (c *Collection[T]) encode() ([]byte, error) {
	items := c.items
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

func (c *Collection[T]) decode(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode %s: %w", c.name, err)
	}
	c.items = items
	return nil
}

func (c *Collection[T]) isDirty() bool   { return c.dirty }
func (c *Collection[T]) setDirty(d bool) { c.dirty = d }

// checkpoint captures the current state and returns a function restoring it.
func (c *Collection[T]) checkpoint() func() {
	items, dirty := c.items, c.dirty
	return func() {
		c.items, c.dirty = items, dirty
	}
}

type persisted interface {
	Name() string
	encode() ([]byte, error)
	decode([]byte) error
	isDirty() bool
	setDirty(bool)
	checkpoint() func()
}
