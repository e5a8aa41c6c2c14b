package ratchet

import (
	"sync"
	"testing"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T, seed byte, role Role, establish uint64) *Key {
	t.Helper()
	var final crypto.Secret
	for i := range final {
		final[i] = seed + byte(i)
	}
	k, err := NewKey(final, role, establish, int64(establish)*10, 1, false)
	require.NoError(t, err)
	return k
}

func TestKeyDirectionalSubkeys(t *testing.T) {
	ini := newTestKey(t, 1, RoleInitiator, 1)
	resp := newTestKey(t, 1, RoleResponder, 1)
	nonce := make([]byte, crypto.GCMNonceSize)

	ct, err := ini.Seal(nil, nonce, []byte("ping"), []byte("ad"))
	require.NoError(t, err)
	pt, err := resp.Open(nil, nonce, ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), pt)

	// The sender cannot open its own traffic.
	_, err = ini.Open(nil, nonce, ct, []byte("ad"))
	assert.Error(t, err)

	assert.Equal(t, ini.Fingerprint(), resp.Fingerprint())
	assert.True(t, ini.SameSecret(resp))
}

func TestKeyWipe(t *testing.T) {
	k := newTestKey(t, 3, RoleInitiator, 1)
	rk := k.RatchetKey()
	assert.False(t, rk.IsZero())

	k.Wipe()
	assert.True(t, k.Wiped())
	rk = k.RatchetKey()
	assert.True(t, rk.IsZero())

	_, err := k.Seal(nil, make([]byte, crypto.GCMNonceSize), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrKeyWiped)
	_, err = k.Open(nil, make([]byte, crypto.GCMNonceSize), make([]byte, 32), nil)
	assert.ErrorIs(t, err, ErrKeyWiped)
}

func TestRingFirstInsertBecomesCurrent(t *testing.T) {
	var r Ring
	assert.Nil(t, r.Current())

	k := newTestKey(t, 1, RoleInitiator, 5)
	idx := r.Insert(k)
	assert.Equal(t, 0, idx)
	assert.Same(t, k, r.Current())
	assert.Equal(t, 1, r.Len())
}

func TestRingPromoteFreshnessRule(t *testing.T) {
	var r Ring
	k1 := newTestKey(t, 1, RoleInitiator, 10)
	r.Insert(k1)

	older := newTestKey(t, 2, RoleInitiator, 9)
	i := r.Insert(older)
	assert.False(t, r.Promote(i, older), "older key must not become current")
	assert.Same(t, k1, r.Current())

	tie := newTestKey(t, 3, RoleInitiator, 10)
	i = r.Insert(tie)
	assert.False(t, r.Promote(i, tie), "equal establish counter does not advance")
	assert.True(t, older.Wiped(), "slot reuse wipes the evicted key")

	newer := newTestKey(t, 4, RoleInitiator, 11)
	i = r.Insert(newer)
	assert.True(t, r.Promote(i, newer))
	assert.Same(t, newer, r.Current())
	assert.False(t, r.Promote(i, newer), "already current")
}

func TestRingPromoteStaleSlot(t *testing.T) {
	var r Ring
	r.Insert(newTestKey(t, 1, RoleInitiator, 1))
	a := newTestKey(t, 2, RoleInitiator, 2)
	i := r.Insert(a)
	b := newTestKey(t, 3, RoleInitiator, 3)
	require.Equal(t, i, r.Insert(b))
	assert.False(t, r.Promote(i, a), "slot no longer holds the key")
	assert.False(t, r.Promote(KeyHistorySize, b))
}

func TestRingEvictionAndHistory(t *testing.T) {
	var r Ring
	keys := make([]*Key, 0, 5)
	for n := uint64(1); n <= 5; n++ {
		k := newTestKey(t, byte(n), RoleInitiator, n)
		keys = append(keys, k)
		i := r.Insert(k)
		if n > 1 {
			require.True(t, r.Promote(i, k))
		}
	}
	assert.Equal(t, KeyHistorySize, r.Len())
	assert.Same(t, keys[4], r.Current())
	assert.True(t, keys[0].Wiped())
	assert.True(t, keys[1].Wiped())
	assert.False(t, keys[2].Wiped())

	var visited []uint64
	r.Each(func(_ int, k *Key) bool {
		visited = append(visited, k.EstablishCounter())
		return true
	})
	assert.Equal(t, uint64(5), visited[0])
	assert.ElementsMatch(t, []uint64{3, 4, 5}, visited)
}

func TestRingStageRevert(t *testing.T) {
	var r Ring
	k1 := newTestKey(t, 1, RoleInitiator, 1)
	r.Insert(k1)
	k2 := newTestKey(t, 2, RoleInitiator, 2)
	require.True(t, r.Promote(r.Insert(k2), k2))
	k3 := newTestKey(t, 3, RoleInitiator, 3)
	require.True(t, r.Promote(r.Insert(k3), k3))
	require.Equal(t, KeyHistorySize, r.Len())

	// The ring is full, so staging displaces k1.
	staged := newTestKey(t, 4, RoleResponder, 4)
	st := r.Stage(staged)
	assert.Same(t, staged, r.Get(st.Slot()))
	assert.False(t, k1.Wiped(), "staging keeps the displaced key intact")

	assert.True(t, r.Revert(st))
	assert.Same(t, k1, r.Get(st.Slot()))
	assert.Same(t, k3, r.Current())
	assert.False(t, k1.Wiped())
	assert.True(t, staged.Wiped())

	again := newTestKey(t, 5, RoleResponder, 5)
	st = r.Stage(again)
	r.Commit(st)
	assert.True(t, k1.Wiped())
	assert.Same(t, again, r.Get(st.Slot()))
}

func TestRingStageRevertIntoEmptyRing(t *testing.T) {
	var r Ring
	k := newTestKey(t, 1, RoleInitiator, 1)
	st := r.Stage(k)
	assert.Same(t, k, r.Current())
	assert.True(t, r.Revert(st))
	assert.Nil(t, r.Current())
	assert.Zero(t, r.Len())
}

func TestRingRevertAfterPromotionKeepsKey(t *testing.T) {
	var r Ring
	k1 := newTestKey(t, 1, RoleInitiator, 1)
	r.Insert(k1)
	k2 := newTestKey(t, 2, RoleResponder, 2)
	st := r.Stage(k2)
	require.True(t, r.Promote(st.Slot(), k2))

	assert.False(t, r.Revert(st))
	assert.Same(t, k2, r.Current())
	assert.False(t, k2.Wiped())
	assert.False(t, k1.Wiped(), "nothing was displaced")
}

func TestRingFindByFingerprint(t *testing.T) {
	var r Ring
	a := newTestKey(t, 1, RoleInitiator, 1)
	b := newTestKey(t, 50, RoleInitiator, 2)
	r.Insert(a)
	r.Insert(b)

	assert.Same(t, b, r.FindByFingerprint(b.Fingerprint()))
	assert.Same(t, a, r.FindByFingerprint(a.Fingerprint()))
	assert.Nil(t, r.FindByFingerprint(Fingerprint{}))

	r.Wipe()
	assert.Zero(t, r.Len())
	assert.True(t, a.Wiped())
}

func TestReplayWindow(t *testing.T) {
	var w ReplayWindow
	assert.True(t, w.Accept(1))
	assert.False(t, w.Accept(1))
	assert.True(t, w.Accept(3))
	assert.True(t, w.Accept(2))
	assert.False(t, w.Accept(2))

	assert.True(t, w.Accept(2000))
	assert.False(t, w.Accept(3), "fell out of the window")
	assert.True(t, w.Accept(2000-ReplayWindowSize+1))
	assert.False(t, w.Accept(2000-ReplayWindowSize))

	// Bits reused after sliding are cleared.
	assert.True(t, w.Accept(2000+ReplayWindowSize-1))
	assert.True(t, w.Accept(2000+1))
}

func TestReplayWindowConcurrent(t *testing.T) {
	var w ReplayWindow
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := uint64(1); c <= 500; c++ {
				if w.Accept(c) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, accepted)
}

func BenchmarkReplayAccept(b *testing.B) {
	var w ReplayWindow
	for i := 0; i < b.N; i++ {
		w.Accept(uint64(i))
	}
}
