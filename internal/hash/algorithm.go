// Package hash implements the streaming Merkigan-Damgård hash/HMAC
// engine described in spec §4.3, layered on stdlib SHA-1/SHA-2 as the
// software implementation of each FPGA hash core's contract (spec §1
// treats the "software SHA-2 fallback" as "an interchangeable
// implementation of the same hash contract" — stdlib satisfies that
// contract directly, so there is no separate pure-Go reimplementation
// to maintain).
//
// Core time-sharing (spec §4.3: "this lets one core be time-shared
// across many streams") is modeled by acquiring the simulated hash
// core from the arbiter around each Update call for restorable algorithms,
// and for the duration of the stream for SHA-1, which cannot restore.
package hash

import (
	stdsha1 "crypto/sha1"
	stdsha256 "crypto/sha256"
	stdsha512 "crypto/sha512"
	gohash "hash"
)

// Algorithm is the closed set of digest algorithms the HAL exposes
// (spec §4.3). It replaces the source's per-algorithm driver vtable
// with a sum type per Design Note "Dynamic dispatch → sum type".
type Algorithm int

const (
	SHA1 Algorithm = iota
	SHA224
	SHA256
	SHA384
	SHA512
	SHA512_224
	SHA512_256
)

// Descriptor is the per-algorithm metadata spec §4.3 attaches to each
// hash core: block length, digest length, DER digest-algorithm-id, and
// whether the core's internal state can be read back and restored.
type Descriptor struct {
	Algorithm     Algorithm
	BlockLen      int
	DigestLen     int
	CanRestore    bool
	CoreName      string
	DigestAlgID   []byte // DER AlgorithmIdentifier for PKCS#1 DigestInfo
	newHash       func() gohash.Hash
}

// descriptors is keyed by Algorithm; SHA-1 is the only entry with
// CanRestore false (spec §4.3: "SHA-1 cannot; its handle pins its core
// for the duration").
var descriptors = map[Algorithm]Descriptor{
	SHA1: {
		Algorithm: SHA1, BlockLen: 64, DigestLen: 20, CanRestore: false, CoreName: "sha1",
		DigestAlgID: oidSHA1, newHash: stdsha1.New,
	},
	SHA224: {
		Algorithm: SHA224, BlockLen: 64, DigestLen: 28, CanRestore: true, CoreName: "sha2-256",
		DigestAlgID: oidSHA224, newHash: stdsha256.New224,
	},
	SHA256: {
		Algorithm: SHA256, BlockLen: 64, DigestLen: 32, CanRestore: true, CoreName: "sha2-256",
		DigestAlgID: oidSHA256, newHash: stdsha256.New,
	},
	SHA384: {
		Algorithm: SHA384, BlockLen: 128, DigestLen: 48, CanRestore: true, CoreName: "sha2-512",
		DigestAlgID: oidSHA384, newHash: stdsha512.New384,
	},
	SHA512: {
		Algorithm: SHA512, BlockLen: 128, DigestLen: 64, CanRestore: true, CoreName: "sha2-512",
		DigestAlgID: oidSHA512, newHash: stdsha512.New,
	},
	SHA512_224: {
		Algorithm: SHA512_224, BlockLen: 128, DigestLen: 28, CanRestore: true, CoreName: "sha2-512",
		DigestAlgID: oidSHA512_224, newHash: stdsha512.New512_224,
	},
	SHA512_256: {
		Algorithm: SHA512_256, BlockLen: 128, DigestLen: 32, CanRestore: true, CoreName: "sha2-512",
		DigestAlgID: oidSHA512_256, newHash: stdsha512.New512_256,
	},
}

// DescriptorFor returns alg's Descriptor, reporting ok=false for an
// unknown algorithm value (the RPC layer maps that to herr.BadArguments).
func DescriptorFor(alg Algorithm) (Descriptor, bool) {
	d, ok := descriptors[alg]
	return d, ok
}

// DigestLen implements the HASH_GET_DIGEST_LEN RPC (spec §6.2 #7).
func DigestLen(alg Algorithm) (int, bool) {
	d, ok := descriptors[alg]
	return d.DigestLen, ok
}

// DigestAlgorithmID implements HASH_GET_DIGEST_ALGORITHM_ID (spec §6.2
// #8): the DER AlgorithmIdentifier used inside a PKCS#1 v1.5
// DigestInfo when synthesizing an RSA signature input (spec §4.6
// "Mixed" regime).
func DigestAlgorithmID(alg Algorithm) ([]byte, bool) {
	d, ok := descriptors[alg]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d.DigestAlgID...), true
}

// The DigestInfo AlgorithmIdentifier DER encodings below are the
// standard RFC 3447 / RFC 8017 values for each SHA variant, with
// NULL parameters, as used when wrapping a digest for RSA PKCS#1 v1.5
// signing.
var (
	oidSHA1       = []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14}
	oidSHA224     = []byte{0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c}
	oidSHA256     = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}
	oidSHA384     = []byte{0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30}
	oidSHA512     = []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}
	oidSHA512_224 = []byte{0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x05, 0x05, 0x00, 0x04, 0x1c}
	oidSHA512_256 = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x06, 0x05, 0x00, 0x04, 0x20}
)
