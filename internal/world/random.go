package world

import "hash/fnv"

// DeterministicSeedValue derives a non-zero seed from the session seed and a
// label, identically on every peer.
func DeterministicSeedValue(rootSeed, label string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(rootSeed))
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// RNG is a xorshift64* generator. Its whole state is one word so it can be
// captured by the snapshot registry.
type RNG struct {
	State uint64
}

// NewRNG seeds a generator from the session seed and label.
func NewRNG(rootSeed, label string) RNG {
	return RNG{State: DeterministicSeedValue(rootSeed, label)}
}

// Next advances the generator.
func (r *RNG) Next() uint64 {
	x := r.State
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r.State = x
	return x * 2685821657736338717
}

// Range returns a value in [min, max].
func (r *RNG) Range(min, max int32) int32 {
	if max <= min {
		return min
	}
	span := uint64(max-min) + 1
	return min + int32(r.Next()%span)
}
