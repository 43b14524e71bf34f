package endpoint

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
)

// seedSize is the width of the process-local hash seed.
const seedSize = 4

// NewSeed draws a process-local 32-bit seed at startup. Using a random
// seed instead of a fixed constant prevents an attacker who can choose
// endpoint values from predicting hash-bucket placement.
func NewSeed() uint32 {
	var buf [seedSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any
		// platform this daemon targets; fall back to a fixed seed
		// rather than panicking, matching the "never allocate 0" ID
		// rule elsewhere in this module: degraded hashing beats a
		// startup crash.
		return 0x9747b28c
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Hash computes a 32-bit MurmurHash3-class digest of the endpoint's
// (address bytes, port), mixed with seed. Address bytes are taken at
// their family's natural length (4 or 16); no padding byte is ever
// read uninitialized since Bytes() always returns a freshly sized
// slice.
func Hash(e Endpoint, seed uint32) uint32 {
	buf := make([]byte, 0, 18)
	buf = append(buf, e.Bytes()...)
	var portBytes [2]byte
	binary.LittleEndian.PutUint16(portBytes[:], e.Port)
	buf = append(buf, portBytes[:]...)
	return murmur3Sum32(buf, seed)
}

// murmur3Sum32 is the standard 32-bit MurmurHash3 finalizer/mixer
// (Austin Appleby, public domain), operating on data of arbitrary
// length with a caller-supplied seed.
func murmur3Sum32(data []byte, seed uint32) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	h := seed
	nblocks := len(data) / 4

	for i := 0; i < nblocks; i++ {
		k := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2

		h ^= k
		h = (h << 13) | (h >> 19)
		h = h*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k uint32
	switch len(tail) {
	case 3:
		k ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(tail[0])
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2
		h ^= k
	}

	h ^= uint32(len(data))
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16

	return h
}

// Key is the hash-table key used by the ID manager and listener
// manager: an endpoint paired with the seed it was hashed under. A Key
// owns its own copy of the endpoint, so storing one never aliases
// caller-owned memory.
type Key struct {
	ep   Endpoint
	seed uint32
}

// NewKey builds a Key, deep-copying ep.
func NewKey(ep Endpoint, seed uint32) Key {
	return Key{ep: ep.Clone(), seed: seed}
}

// Endpoint returns the endpoint stored in the key.
func (k Key) Endpoint() Endpoint {
	return k.ep
}

// Hash returns the key's 32-bit digest.
func (k Key) Hash() uint32 {
	return Hash(k.ep, k.seed)
}

// Clone deep-copies the key. There is no corresponding Free: Go's
// garbage collector reclaims the copy once it is no longer reachable,
// so the release half of the original key-copy/key-free pair has no
// work to do here.
func (k Key) Clone() Key {
	return Key{ep: k.ep.Clone(), seed: k.seed}
}

// Compare defines a total order over endpoints: family first (v4
// before v6), then address bytes lexicographically, then port. It is
// the ordering used anywhere endpoints need a stable, deterministic
// iteration or comparison order.
func Compare(a, b Endpoint) int {
	famA, _ := a.Family()
	famB, _ := b.Family()
	if famA != famB {
		if famA < famB {
			return -1
		}
		return 1
	}

	if c := bytes.Compare(a.Bytes(), b.Bytes()); c != 0 {
		return c
	}

	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}
