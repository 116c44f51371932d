package state

import (
	"sync"
)

// Origin tells observers where an emission came from.
type Origin int

const (
	// OriginInitial is the delivery of the current value to a new subscriber.
	OriginInitial Origin = iota
	// OriginLocal is a mutation made through Set or Update.
	OriginLocal
	// OriginRemote is a state applied from the console.
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginInitial:
		return "initial"
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	}
	return "unknown"
}

// Emission is one published value of a Document. Value must be treated as
// read-only; every mutation publishes a fresh map.
type Emission struct {
	Value  map[string]any
	Origin Origin
	// Force marks a local write that must replace the remote document.
	Force bool
}

type subscriber struct {
	fn func(Emission)
}

// Document is an observable key/value document.
//
// Emissions are queued: a mutation made from inside an observer is
// delivered after the current emission reaches every observer, so all
// observers see values in the same order.
type Document struct {
	mu       sync.Mutex
	value    map[string]any
	subs     []*subscriber
	queue    []Emission
	draining bool
}

func NewDocument(initial map[string]any) *Document {
	return &Document{value: copyMap(initial)}
}

// Get returns a shallow copy of the current value.
func (d *Document) Get() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyMap(d.value)
}

// Set replaces the document.
func (d *Document) Set(v map[string]any) {
	d.publish(func(map[string]any) map[string]any { return v }, OriginLocal, false)
}

// Update replaces the document with fn applied to a copy of the current value.
func (d *Document) Update(fn func(map[string]any) map[string]any) {
	d.publish(fn, OriginLocal, false)
}

// Subscribe calls fn with the current value and then with every
// emission until the returned function is called.
func (d *Document) Subscribe(fn func(map[string]any)) (unsubscribe func()) {
	return d.watch(func(e Emission) { fn(e.Value) })
}

func (d *Document) watch(fn func(Emission)) func() {
	s := &subscriber{fn: fn}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	current := d.value
	d.mu.Unlock()

	fn(Emission{Value: current, Origin: OriginInitial})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, other := range d.subs {
			if other == s {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *Document) publish(fn func(map[string]any) map[string]any, origin Origin, force bool) {
	d.mu.Lock()
	next := copyMap(fn(copyMap(d.value)))
	d.value = next
	d.queue = append(d.queue, Emission{Value: next, Origin: origin, Force: force})
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		e := d.queue[0]
		d.queue = d.queue[1:]
		subs := append([]*subscriber{}, d.subs...)
		d.mu.Unlock()
		for _, s := range subs {
			s.fn(e)
		}
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
