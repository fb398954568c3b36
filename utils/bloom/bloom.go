// Package bloom implements the probabilistic set digest used to
// distribute the revocation list to resource servers. A filter answers
// "definitely not revoked" locally; only a positive answer needs a round
// trip to the verification endpoint.
package bloom

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// Filter is a Bloom filter over token ids, hashed with MurmurHash3.
type Filter struct {
	m uint
	k uint
	b []uint64
}

// FilterJSON is the wire form served to resource servers.
type FilterJSON struct {
	M uint     `json:"m"`
	K uint     `json:"k"`
	B []uint64 `json:"b"`
}

// Defaults fit a few hundred live revocations at a low false positive
// rate; digests for larger sets should size via OptimalParams.
const (
	DefaultM = 10000
	DefaultK = 7
)

// New creates a filter with default parameters.
func New() *Filter {
	return NewWithParams(DefaultM, DefaultK)
}

// NewWithParams creates a filter with m bits and k hash functions.
func NewWithParams(m, k uint) *Filter {
	numWords := (m + 63) / 64
	return &Filter{
		m: m,
		k: k,
		b: make([]uint64, numWords),
	}
}

// NewFromJSON rebuilds a filter from its wire form.
func NewFromJSON(fj FilterJSON) *Filter {
	return &Filter{
		m: fj.M,
		k: fj.K,
		b: fj.B,
	}
}

// OptimalParams sizes a filter for the expected item count and target
// false positive rate.
func OptimalParams(expectedItems uint, falsePositiveRate float64) (m, k uint) {
	m = uint(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	k = uint(math.Ceil(float64(m) / float64(expectedItems) * math.Ln2))
	return
}

// Put adds an item.
func (f *Filter) Put(data []byte) {
	h1, h2 := murmurHash3_128(data, 0)
	for i := uint(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(f.m)
		f.setBit(uint(pos))
	}
}

// Test reports whether an item might be present. False means definitely
// absent; true may be a false positive.
func (f *Filter) Test(data []byte) bool {
	h1, h2 := murmurHash3_128(data, 0)
	for i := uint(0); i < f.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(f.m)
		if !f.testBit(uint(pos)) {
			return false
		}
	}
	return true
}

// M returns the bit array size.
func (f *Filter) M() uint { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint { return f.k }

// ToJSON converts the filter to its wire form.
func (f *Filter) ToJSON() FilterJSON {
	return FilterJSON{
		M: f.m,
		K: f.k,
		B: f.b,
	}
}

// MarshalJSON implements json.Marshaler.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var fj FilterJSON
	if err := json.Unmarshal(data, &fj); err != nil {
		return err
	}
	f.m = fj.M
	f.k = fj.K
	f.b = fj.B
	return nil
}

func (f *Filter) setBit(pos uint) {
	wordIndex := pos / 64
	bitIndex := pos % 64
	f.b[wordIndex] |= (1 << bitIndex)
}

func (f *Filter) testBit(pos uint) bool {
	wordIndex := pos / 64
	bitIndex := pos % 64
	return (f.b[wordIndex] & (1 << bitIndex)) != 0
}

// murmurHash3_128 returns the two 64-bit halves of the MurmurHash3
// 128-bit hash, combined by double hashing in Put and Test.
func murmurHash3_128(data []byte, seed uint64) (uint64, uint64) {
	const c1 uint64 = 0x87c37b91114253d5
	const c2 uint64 = 0x4cf5ad432745937f

	h1 := seed
	h2 := seed

	length := len(data)
	nblocks := length / 16

	for i := 0; i < nblocks; i++ {
		k1 := binary.LittleEndian.Uint64(data[i*16:])
		k2 := binary.LittleEndian.Uint64(data[i*16+8:])

		k1 *= c1
		k1 = rotl64(k1, 31)
		k1 *= c2
		h1 ^= k1

		h1 = rotl64(h1, 27)
		h1 += h2
		h1 = h1*5 + 0x52dce729

		k2 *= c2
		k2 = rotl64(k2, 33)
		k2 *= c1
		h2 ^= k2

		h2 = rotl64(h2, 31)
		h2 += h1
		h2 = h2*5 + 0x38495ab5
	}

	tail := data[nblocks*16:]
	var k1, k2 uint64

	switch len(tail) {
	case 15:
		k2 ^= uint64(tail[14]) << 48
		fallthrough
	case 14:
		k2 ^= uint64(tail[13]) << 40
		fallthrough
	case 13:
		k2 ^= uint64(tail[12]) << 32
		fallthrough
	case 12:
		k2 ^= uint64(tail[11]) << 24
		fallthrough
	case 11:
		k2 ^= uint64(tail[10]) << 16
		fallthrough
	case 10:
		k2 ^= uint64(tail[9]) << 8
		fallthrough
	case 9:
		k2 ^= uint64(tail[8])
		k2 *= c2
		k2 = rotl64(k2, 33)
		k2 *= c1
		h2 ^= k2
		fallthrough
	case 8:
		k1 ^= uint64(tail[7]) << 56
		fallthrough
	case 7:
		k1 ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		k1 ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		k1 ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		k1 ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		k1 ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint64(tail[0])
		k1 *= c1
		k1 = rotl64(k1, 31)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint64(length)
	h2 ^= uint64(length)

	h1 += h2
	h2 += h1

	h1 = fmix64(h1)
	h2 = fmix64(h2)

	h1 += h2
	h2 += h1

	return h1, h2
}

func rotl64(x uint64, r uint8) uint64 {
	return (x << r) | (x >> (64 - r))
}

func fmix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
