// Package keywrap implements RFC 5649 AES Key Wrap with Padding (spec
// §4.2.6, §6.4, §8 seed scenario 1), grounded in
// original_source/sw/libhal/aes_keywrap.c (kept in full). The
// wrap/unwrap algorithm is HAL-level logic around a block cipher
// primitive rather than register-level plumbing (spec's scope note:
// "AES key-wrap over the AES core" describes *what* it protects, not
// how the simulated core works), so it is built directly on stdlib
// crypto/aes/crypto/cipher rather than routed through coreset.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/cryptech/hsmcore/internal/herr"
)

// magic is the RFC 5649 alternative initial value high 32 bits
// (A65959A6). Wrap places it in the AIV for every plaintext length,
// and Unwrap checks for it in the AIV it recovers.
var magic = [4]byte{0xA6, 0x59, 0x59, 0xA6}

// Wrap implements RFC 5649 key wrap with padding. key must be 16 or 32
// bytes (AES-128 or AES-256); plaintext must be at least 1 byte.
func Wrap(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, herr.New(herr.BadArguments, "keywrap.Wrap", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, herr.New(herr.BadArguments, "keywrap.Wrap", err)
	}

	padded := pad8(plaintext)

	var aiv [8]byte
	copy(aiv[0:4], magic[:])
	binary.BigEndian.PutUint32(aiv[4:8], uint32(len(plaintext)))

	if len(padded) == 8 {
		// RFC 5649 §4.1: single 64-bit block is encrypted directly,
		// no KW algorithm iterations.
		block2 := make([]byte, 16)
		copy(block2[0:8], aiv[:])
		copy(block2[8:16], padded)
		out := make([]byte, 16)
		block.Encrypt(out, block2)
		return out, nil
	}

	n := len(padded) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], padded[i*8:i*8+8])
	}

	a := aiv
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			a, r[i] = wStep(block, a, r[i], uint64(j*n+i+1))
		}
	}

	out := make([]byte, 8+n*8)
	copy(out[0:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+i*8+8], r[i][:])
	}
	return out, nil
}

// Unwrap reverses Wrap, validating the AIV magic, the recovered
// plaintext length, and the zero-padding bytes (spec's taxonomy has
// distinct codes for each: KeywrapBadMagic, KeywrapBadLength,
// KeywrapBadPadding).
func Unwrap(key, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, herr.New(herr.BadArguments, "keywrap.Unwrap", err)
	}
	if len(wrapped) < 16 || len(wrapped)%8 != 0 {
		return nil, herr.New(herr.KeywrapBadLength, "keywrap.Unwrap", nil)
	}

	var aiv [8]byte
	var padded []byte

	if len(wrapped) == 16 {
		buf := make([]byte, 16)
		block.Decrypt(buf, wrapped)
		copy(aiv[:], buf[0:8])
		padded = buf[8:16]
	} else {
		n := len(wrapped)/8 - 1
		a := [8]byte{}
		copy(a[:], wrapped[0:8])
		r := make([][8]byte, n)
		for i := 0; i < n; i++ {
			copy(r[i][:], wrapped[8+i*8:8+i*8+8])
		}
		for j := 5; j >= 0; j-- {
			for i := n - 1; i >= 0; i-- {
				a, r[i] = wStepInv(block, a, r[i], uint64(j*n+i+1))
			}
		}
		aiv = a
		padded = make([]byte, n*8)
		for i := 0; i < n; i++ {
			copy(padded[i*8:i*8+8], r[i][:])
		}
	}

	if aiv[0] != magic[0] || aiv[1] != magic[1] || aiv[2] != magic[2] || aiv[3] != magic[3] {
		return nil, herr.New(herr.KeywrapBadMagic, "keywrap.Unwrap", nil)
	}
	plainLen := int(binary.BigEndian.Uint32(aiv[4:8]))
	if plainLen <= 0 || plainLen > len(padded) || len(padded)-plainLen >= 8 {
		return nil, herr.New(herr.KeywrapBadLength, "keywrap.Unwrap", nil)
	}
	for _, b := range padded[plainLen:] {
		if b != 0 {
			return nil, herr.New(herr.KeywrapBadPadding, "keywrap.Unwrap", nil)
		}
	}
	return padded[:plainLen], nil
}

// pad8 zero-pads plaintext up to the next multiple of 8 bytes.
func pad8(plaintext []byte) []byte {
	rem := len(plaintext) % 8
	if rem == 0 {
		return plaintext
	}
	out := make([]byte, len(plaintext)+(8-rem))
	copy(out, plaintext)
	return out
}

// wStep is one AES key-wrap round (RFC 3394 §2.2.1, reused by RFC 5649):
// MSB(64,B) = AES(K, A|R) XOR t; A' = MSB(64,B); R' = LSB(64,B).
func wStep(block cipher.Block, a [8]byte, r [8]byte, t uint64) ([8]byte, [8]byte) {
	var in, out [16]byte
	copy(in[0:8], a[:])
	copy(in[8:16], r[:])
	block.Encrypt(out[:], in[:])

	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], t)

	var newA [8]byte
	for i := range newA {
		newA[i] = out[i] ^ tb[i]
	}
	var newR [8]byte
	copy(newR[:], out[8:16])
	return newA, newR
}

func wStepInv(block cipher.Block, a [8]byte, r [8]byte, t uint64) ([8]byte, [8]byte) {
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], t)

	var xored [8]byte
	for i := range xored {
		xored[i] = a[i] ^ tb[i]
	}

	var in, out [16]byte
	copy(in[0:8], xored[:])
	copy(in[8:16], r[:])
	block.Decrypt(out[:], in[:])

	var newA, newR [8]byte
	copy(newA[:], out[0:8])
	copy(newR[:], out[8:16])
	return newA, newR
}
