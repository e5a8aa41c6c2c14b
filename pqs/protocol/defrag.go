package protocol

import "sync"

// GatherArray collects the fragments of one packet by fragment number.
type GatherArray struct {
	frags [][]byte
	have  uint64
	n     int
}

func NewGatherArray(count int) *GatherArray {
	return &GatherArray{frags: make([][]byte, count)}
}

func (g *GatherArray) Count() int { return len(g.frags) }

// Add stores a copy of frag at position no. Duplicates are ignored. When the
// last missing fragment arrives the full ordered list is returned and the
// array releases it.
func (g *GatherArray) Add(no int, frag []byte) ([][]byte, bool) {
	if no < 0 || no >= len(g.frags) || g.have&(1<<uint(no)) != 0 {
		return nil, false
	}
	g.frags[no] = append([]byte(nil), frag...)
	g.have |= 1 << uint(no)
	g.n++
	if g.n < len(g.frags) {
		return nil, false
	}
	out := g.frags
	g.frags = nil
	return out, true
}

type ringSlot[K comparable] struct {
	key K
	g   *GatherArray
}

// Defragmenter is a bounded map from a packet key to its gather array.
// Inserting into a full map evicts the oldest-inserted entry. It is safe for
// concurrent use.
type Defragmenter[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*GatherArray
	ring    []ringSlot[K]
	next    int
}

// NewDefragmenter creates a defragmenter holding at most capacity partial
// packets.
func NewDefragmenter[K comparable](capacity int) *Defragmenter[K] {
	if capacity < 1 {
		capacity = 1
	}
	return &Defragmenter[K]{
		entries: make(map[K]*GatherArray, capacity),
		ring:    make([]ringSlot[K], capacity),
	}
}

// Assemble feeds one fragment. It returns the ordered fragments once the
// packet identified by key is complete; the entry is removed at that point.
// A fragment whose count disagrees with the pending entry is dropped.
func (d *Defragmenter[K]) Assemble(key K, count, no int, frag []byte) ([][]byte, bool) {
	if count < 1 || count > MaxFragments || no < 0 || no >= count {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.entries[key]
	if !ok {
		g = NewGatherArray(count)
		slot := &d.ring[d.next]
		if slot.g != nil {
			if cur, live := d.entries[slot.key]; live && cur == slot.g {
				delete(d.entries, slot.key)
			}
		}
		*slot = ringSlot[K]{key: key, g: g}
		d.next = (d.next + 1) % len(d.ring)
		d.entries[key] = g
	} else if g.Count() != count {
		return nil, false
	}

	frags, done := g.Add(no, frag)
	if done {
		delete(d.entries, key)
	}
	return frags, done
}

// Len returns the number of incomplete packets held.
func (d *Defragmenter[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
