package ratchet

import (
	"crypto/subtle"
	"errors"

	"github.com/TheusHen/pqs/pqs/crypto"
)

var (
	ErrKeyWiped = errors.New("ratchet: key has been wiped")
)

const (
	// KeyHistorySize is the number of keys retained per session.
	KeyHistorySize = 3
	// FingerprintSize is the truncated SHA-384 size naming a ratchet key.
	FingerprintSize = 16
)

// Role tells a Key which directional sub-key it sends with.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Fingerprint names a ratchet key on the wire without revealing it.
type Fingerprint [FingerprintSize]byte

// FingerprintOf returns SHA-384(ratchetKey) truncated to FingerprintSize.
func FingerprintOf(ratchetKey *crypto.Secret) Fingerprint {
	sum := crypto.SHA384(ratchetKey[:])
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

// Equal compares in constant time.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], o[:]) == 1
}

// Key is one established session key.
type Key struct {
	secret      crypto.Secret
	ratchetKey  crypto.Secret
	fingerprint Fingerprint

	ratchetCount     uint64
	role             Role
	hybrid           bool
	establishCounter uint64
	establishTime    int64

	send   *crypto.AEAD
	recv   *crypto.AEAD
	replay ReplayWindow
}

// NewKey expands a handshake's final secret into a Key. The initiator sends
// with the 'A' sub-key and the responder with 'B'.
func NewKey(final crypto.Secret, role Role, establishCounter uint64, establishTime int64, ratchetCount uint64, hybrid bool) (*Key, error) {
	a := crypto.KBKDF(final[:], crypto.UsageInitiatorToResponder)
	b := crypto.KBKDF(final[:], crypto.UsageResponderToInitiator)
	defer a.Wipe()
	defer b.Wipe()

	aAEAD, err := crypto.NewAEAD(a[:])
	if err != nil {
		return nil, err
	}
	bAEAD, err := crypto.NewAEAD(b[:])
	if err != nil {
		return nil, err
	}

	k := &Key{
		secret:           final,
		ratchetKey:       crypto.KBKDF(final[:], crypto.UsageRatchet),
		ratchetCount:     ratchetCount,
		role:             role,
		hybrid:           hybrid,
		establishCounter: establishCounter,
		establishTime:    establishTime,
	}
	k.fingerprint = FingerprintOf(&k.ratchetKey)
	if role == RoleInitiator {
		k.send, k.recv = aAEAD, bAEAD
	} else {
		k.send, k.recv = bAEAD, aAEAD
	}
	return k, nil
}

// Seal encrypts with the outbound sub-key. dst must not overlap plaintext
// unless it is plaintext[:0].
func (k *Key) Seal(dst, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if k.send == nil {
		return nil, ErrKeyWiped
	}
	return k.send.Seal(dst, nonce, plaintext, additionalData), nil
}

// Open decrypts with the inbound sub-key.
func (k *Key) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if k.recv == nil {
		return nil, ErrKeyWiped
	}
	return k.recv.Open(dst, nonce, ciphertext, additionalData)
}

// AcceptCounter records an authenticated inbound counter and reports
// whether it was new.
func (k *Key) AcceptCounter(counter uint64) bool { return k.replay.Accept(counter) }

func (k *Key) RatchetKey() crypto.Secret { return k.ratchetKey }
func (k *Key) Fingerprint() Fingerprint { return k.fingerprint }
func (k *Key) RatchetCount() uint64 { return k.ratchetCount }
func (k *Key) Role() Role { return k.role }
func (k *Key) Hybrid() bool { return k.hybrid }
func (k *Key) EstablishCounter() uint64 { return k.establishCounter }
func (k *Key) EstablishTime() int64 { return k.establishTime }
func (k *Key) SameSecret(o *Key) bool { return k.secret.Equal(&o.secret) }
func (k *Key) Wiped() bool { return k.send == nil }

// Wipe zeroes key material and drops the cipher instances.
func (k *Key) Wipe() {
	k.secret.Wipe()
	k.ratchetKey.Wipe()
	k.send = nil
	k.recv = nil
}

// Ring is a fixed-capacity key history with a current pointer.
// It is not synchronized; the owning session guards it.
type Ring struct {
	keys    [KeyHistorySize]*Key
	current int
}

// Insert places k in the slot after current, wiping whatever it evicts, and
// returns the slot. The first key inserted becomes current.
func (r *Ring) Insert(k *Key) int {
	st := r.Stage(k)
	r.Commit(st)
	return st.slot
}

// Staged is an insertion that can still be undone.
type Staged struct {
	slot    int
	prev    int
	key     *Key
	evicted *Key
}

// Slot is where the staged key sits.
func (st Staged) Slot() int { return st.slot }

// Stage places k like Insert but holds on to the key it displaces instead
// of wiping it. Follow with Commit or Revert.
func (r *Ring) Stage(k *Key) Staged {
	idx := r.current
	if r.keys[r.current] != nil {
		idx = (r.current + 1) % KeyHistorySize
	}
	st := Staged{slot: idx, prev: r.current, key: k, evicted: r.keys[idx]}
	r.keys[idx] = k
	return st
}

// Commit wipes the key st displaced.
func (r *Ring) Commit(st Staged) {
	if st.evicted != nil && st.evicted != st.key {
		st.evicted.Wipe()
	}
}

// Revert puts back the key st displaced and wipes the staged key. If the
// staged key has meanwhile been promoted or replaced it stays, the stage is
// committed instead and Revert reports false.
func (r *Ring) Revert(st Staged) bool {
	if r.keys[st.slot] != st.key || (r.current == st.slot && st.prev != st.slot) {
		r.Commit(st)
		return false
	}
	r.keys[st.slot] = st.evicted
	st.key.Wipe()
	return true
}

// Promote makes slot i current if it still holds k and k was established
// strictly after the current key. Equal establish counters do not advance.
func (r *Ring) Promote(i int, k *Key) bool {
	if i < 0 || i >= KeyHistorySize || k == nil || r.keys[i] != k {
		return false
	}
	if i == r.current {
		return false
	}
	if cur := r.keys[r.current]; cur != nil && k.establishCounter <= cur.establishCounter {
		return false
	}
	r.current = i
	return true
}

// Current returns the current key or nil.
func (r *Ring) Current() *Key { return r.keys[r.current] }

func (r *Ring) CurrentIndex() int { return r.current }

// Get returns slot i or nil.
func (r *Ring) Get(i int) *Key {
	if i < 0 || i >= KeyHistorySize {
		return nil
	}
	return r.keys[i]
}

// Len returns the number of occupied slots.
func (r *Ring) Len() int {
	n := 0
	for _, k := range r.keys {
		if k != nil {
			n++
		}
	}
	return n
}

// Each visits occupied slots starting at current until fn returns false.
func (r *Ring) Each(fn func(i int, k *Key) bool) {
	for j := 0; j < KeyHistorySize; j++ {
		i := (r.current + j) % KeyHistorySize
		if k := r.keys[i]; k != nil {
			if !fn(i, k) {
				return
			}
		}
	}
}

// FindByFingerprint returns the retained key whose ratchet key has
// fingerprint fp.
func (r *Ring) FindByFingerprint(fp Fingerprint) *Key {
	var found *Key
	r.Each(func(_ int, k *Key) bool {
		if k.fingerprint.Equal(fp) {
			found = k
			return false
		}
		return true
	})
	return found
}

// Wipe wipes and drops every key.
func (r *Ring) Wipe() {
	for i, k := range r.keys {
		if k != nil {
			k.Wipe()
			r.keys[i] = nil
		}
	}
	r.current = 0
}
