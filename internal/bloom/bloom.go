// Package bloom implements the subscription filter gossiped between nodes
// so a peer can tell which repository/node identifiers another peer is
// interested in without exchanging the full set: a fixed-size bloom
// filter, all-ones by default (matches everything), built from NID/RID
// digests once a node narrows its subscription.
//
// No bloom-filter library appears anywhere in the retrieval pack, so this
// is a direct, dependency-free double-hashing construction (two FNV seeds
// combined per Kirsch-Mitzenmacher to derive FilterHashes probe
// positions), equivalent in shape to the upstream filter it mirrors.
package bloom

import (
	"hash/fnv"
)

// FilterSize is the size in bytes of the bloom filter bitset.
const FilterSize = 1024 * 16

// FilterHashes is the number of hash functions (probe positions) used per
// inserted element.
const FilterHashes = 7

const bitCount = FilterSize * 8

// Filter is a fixed-size bloom filter over arbitrary byte-identifiers
// (typically NID or RID digests).
type Filter struct {
	bits [FilterSize]byte
}

// Default returns a Filter with every bit set, which therefore reports a
// match for any identifier: the conservative default before a node has
// narrowed its subscription.
func Default() *Filter {
	f := &Filter{}
	for i := range f.bits {
		f.bits[i] = 0xff
	}
	return f
}

// New builds a Filter containing exactly the given identifiers.
func New(ids [][]byte) *Filter {
	f := &Filter{}
	for _, id := range ids {
		f.Insert(id)
	}
	return f
}

// Insert adds id to the filter.
func (f *Filter) Insert(id []byte) {
	h1, h2 := seedHashes(id)
	for i := 0; i < FilterHashes; i++ {
		pos := combine(h1, h2, i) % bitCount
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether id may be a member of the filter. Like any
// bloom filter, false positives are possible but false negatives are not.
func (f *Filter) Contains(id []byte) bool {
	h1, h2 := seedHashes(id)
	for i := 0; i < FilterHashes; i++ {
		pos := combine(h1, h2, i) % bitCount
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw filter bitset, for wire encoding.
func (f *Filter) Bytes() []byte {
	out := make([]byte, FilterSize)
	copy(out, f.bits[:])
	return out
}

// FromBytes reconstructs a Filter from a raw bitset previously produced by
// Bytes. It never fails: if raw is the wrong size it is truncated or
// zero-padded to FilterSize, so the missing bits of a short filter match
// nothing rather than causing a panic.
func FromBytes(raw []byte) *Filter {
	f := &Filter{}
	n := copy(f.bits[:], raw)
	_ = n
	return f
}

// seedHashes derives two independent 64-bit seeds from id using FNV-1a and
// FNV-1, the Kirsch-Mitzenmacher double-hashing inputs.
func seedHashes(id []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(id)
	h2 := fnv.New64()
	h2.Write(id)
	return h1.Sum64(), h2.Sum64()
}

// combine derives the i-th probe position from two independent hashes,
// per Kirsch & Mitzenmacher's "less hashing, same performance" result.
func combine(h1, h2 uint64, i int) int {
	return int((h1 + uint64(i)*h2) % bitCount)
}
