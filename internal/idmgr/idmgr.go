// Package idmgr maintains the bijection between endpoints and the
// MPTCP 8-bit address-ID space (1..255). It is grounded on the
// teacher's discriminator allocator
// (internal/bfd/discriminator.go): a mutex-guarded map of allocated
// values plus Allocate/Release, adapted here from random 32-bit
// discriminator generation to smallest-unused-ID allocation, and
// extended with the idempotent get/map/remove contract the path
// manager needs.
package idmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mptcp-tools/mptcpd/internal/endpoint"
)

// ErrExhausted is returned by GetID when no ID remains in [1, 255].
var ErrExhausted = errors.New("idmgr: address-ID space exhausted")

// ErrInvalidID is returned by MapID for the reserved id 0.
var ErrInvalidID = errors.New("idmgr: id 0 is reserved")

const (
	minID = 1
	maxID = 255
)

// Manager is a bijection between endpoints and 8-bit address IDs. A
// Manager is safe for concurrent use; every path-manager operation
// that touches the map takes the same lock held for the duration of
// the call, mirroring the teacher's allocator.
type Manager struct {
	mu       sync.Mutex
	seed     uint32
	toID     map[endpoint.Key]uint8
	used     [maxID + 1]bool // index 0 always false (reserved)
}

// New creates an empty ID manager. seed is the process-local hash seed
// used to build endpoint.Key values; callers normally obtain it once
// from endpoint.NewSeed() and share it across idmgr and listener.
func New(seed uint32) *Manager {
	return &Manager{
		seed: seed,
		toID: make(map[endpoint.Key]uint8),
	}
}

// GetID returns the ID mapped to ep, allocating the smallest unused ID
// in [1, 255] if no mapping exists yet. Repeated calls for the same
// endpoint return the same ID until RemoveID is called (idempotence,
// spec.md invariant 1).
func (m *Manager) GetID(ep endpoint.Endpoint) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpoint.NewKey(ep, m.seed)
	if id, ok := m.toID[key]; ok {
		return id, nil
	}

	id, err := m.allocateLocked()
	if err != nil {
		return 0, err
	}
	m.toID[key] = id
	return id, nil
}

// MapID forces the mapping ep -> id, replacing any prior mapping for
// ep and marking id used. Calling MapID twice with identical inputs is
// a no-op (idempotent).
func (m *Manager) MapID(ep endpoint.Endpoint, id uint8) error {
	if id == 0 {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpoint.NewKey(ep, m.seed)
	if prev, ok := m.toID[key]; ok {
		if prev == id {
			return nil
		}
		m.used[prev] = false
	}

	m.toID[key] = id
	m.used[id] = true
	return nil
}

// RemoveID removes the mapping for ep, if any, releases the ID back to
// the free pool, and returns it. ok is false if ep had no mapping.
func (m *Manager) RemoveID(ep endpoint.Endpoint) (id uint8, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := endpoint.NewKey(ep, m.seed)
	id, ok = m.toID[key]
	if !ok {
		return 0, false
	}

	delete(m.toID, key)
	m.used[id] = false
	return id, true
}

// Len returns the number of endpoints currently mapped.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.toID)
}

// allocateLocked finds and reserves the smallest unused ID in
// [1, 255]. Callers must hold m.mu.
func (m *Manager) allocateLocked() (uint8, error) {
	for id := minID; id <= maxID; id++ {
		if !m.used[id] {
			m.used[id] = true
			return uint8(id), nil
		}
	}
	return 0, fmt.Errorf("allocate id: %w", ErrExhausted)
}
