package memory

import (
	"bytes"
	"maps"
	"sync"

	"github.com/TheusHen/pqs/pqs/discovery"
	"github.com/TheusHen/pqs/pqs/identity"
)

// Store is an in-memory discovery resolver.
// It is useful for tests, examples and embedding in applications.
type Store struct {
	mu    sync.RWMutex
	peers map[identity.PeerID]discovery.AddrInfo
}

func New() *Store {
	return &Store{peers: map[identity.PeerID]discovery.AddrInfo{}}
}

// Announce records info after checking its identity binding.
func (s *Store) Announce(info discovery.AddrInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[info.PeerID] = clone(info)
	return nil
}

func (s *Store) Lookup(peerID identity.PeerID) (discovery.AddrInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.peers[peerID]
	if !ok {
		return discovery.AddrInfo{}, discovery.ErrNotFound
	}
	return clone(info), nil
}

func (s *Store) List() ([]discovery.AddrInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.AddrInfo, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, clone(info))
	}
	return out, nil
}

// Remove forgets a peer.
func (s *Store) Remove(peerID identity.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

func clone(info discovery.AddrInfo) discovery.AddrInfo {
	info.StaticPublicBlob = bytes.Clone(info.StaticPublicBlob)
	info.Capabilities = maps.Clone(info.Capabilities)
	if info.Capabilities == nil {
		info.Capabilities = map[string]string{}
	}
	return info
}
