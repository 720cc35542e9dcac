package hash

import (
	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/herr"
)

const (
	ipad = 0x36
	opad = 0x5c
)

// HMACState embeds a hash state plus a block-sized key buffer (spec §3
// "HMAC state embeds a hash state plus a block-sized key buffer").
type HMACState struct {
	alg Algorithm
	arb *arbiter.Arbiter
	key []byte // already shortened/padded to block length

	inner *State
}

// HMACInitialize implements spec §4.3 "HMAC": if the key exceeds the
// block length it is hashed down first, then zero-padded to block
// length; the inner hash is initialized with key XOR 0x36 as its
// first block.
func HMACInitialize(arb *arbiter.Arbiter, alg Algorithm, key []byte) (*HMACState, error) {
	d, ok := DescriptorFor(alg)
	if !ok {
		return nil, herr.New(herr.BadArguments, "hash.HMACInitialize", nil)
	}

	k := key
	if len(k) > d.BlockLen {
		sum, err := Sum(alg, k)
		if err != nil {
			return nil, err
		}
		k = sum
	}
	padded := make([]byte, d.BlockLen)
	copy(padded, k)

	inner, err := Initialize(arb, alg)
	if err != nil {
		return nil, err
	}
	innerPad := xorPad(padded, ipad)
	if err := inner.Update(innerPad); err != nil {
		return nil, err
	}

	return &HMACState{alg: alg, arb: arb, key: padded, inner: inner}, nil
}

// Update feeds message bytes into the inner hash.
func (m *HMACState) Update(data []byte) error {
	return m.inner.Update(data)
}

// Finalize completes the inner hash, then computes the outer hash over
// (key XOR 0x5c) || inner digest, per spec §4.3.
func (m *HMACState) Finalize() ([]byte, error) {
	innerDigest, err := m.inner.Finalize()
	if err != nil {
		return nil, err
	}

	outer, err := Initialize(m.arb, m.alg)
	if err != nil {
		return nil, err
	}
	outerPad := xorPad(m.key, opad)
	if err := outer.Update(outerPad); err != nil {
		return nil, err
	}
	if err := outer.Update(innerDigest); err != nil {
		return nil, err
	}
	return outer.Finalize()
}

func xorPad(key []byte, pad byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		out[i] = b ^ pad
	}
	return out
}

// HMACSum is a one-shot convenience wrapper: initialize without an
// arbiter, update once, finalize.
func HMACSum(alg Algorithm, key, data []byte) ([]byte, error) {
	m, err := HMACInitialize(nil, alg, key)
	if err != nil {
		return nil, err
	}
	if err := m.Update(data); err != nil {
		return nil, err
	}
	return m.Finalize()
}
