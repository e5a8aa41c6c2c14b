package ratchet

import "sync"

// ReplayWindowSize is how far behind the highest counter a packet may
// arrive and still be accepted.
const ReplayWindowSize = 1024

// ReplayWindow is a sliding bitmap of seen packet counters.
// The zero value is ready to use and safe for concurrent use.
type ReplayWindow struct {
	mu      sync.Mutex
	highest uint64
	bits    [ReplayWindowSize / 64]uint64
}

func (w *ReplayWindow) bit(c uint64) (int, uint64) {
	i := c % ReplayWindowSize
	return int(i / 64), 1 << (i % 64)
}

// Accept marks counter as seen. It returns false if the counter was already
// seen or has fallen out of the window.
func (w *ReplayWindow) Accept(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if counter > w.highest {
		if counter-w.highest >= ReplayWindowSize {
			w.bits = [ReplayWindowSize / 64]uint64{}
		} else {
			for c := w.highest + 1; c <= counter; c++ {
				word, mask := w.bit(c)
				w.bits[word] &^= mask
			}
		}
		w.highest = counter
	} else if w.highest-counter >= ReplayWindowSize {
		return false
	}

	word, mask := w.bit(counter)
	if w.bits[word]&mask != 0 {
		return false
	}
	w.bits[word] |= mask
	return true
}
