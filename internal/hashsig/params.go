// Package hashsig implements the stateful hash-based signature engine
// (spec §4.5): LM-OTS one-time signatures, LMS Merkle trees of LM-OTS
// leaves, and HSS hierarchies of LMS trees. The algorithms here are a
// direct Go port of draft-mcgrew-hash-sigs-08 as implemented in
// original_source/user/paul/hashsig-naive/hashsig_naive.c (the
// reference demo) and original_source/sw/libhal/hashsig.c (the
// keystore-integrated production driver); no pack library implements
// this stateful leaf-index scheme, so there is no third-party
// dependency to wire in beyond crypto/sha256 for the hash itself.
package hashsig

import (
	"encoding/binary"

	"github.com/cryptech/hsmcore/internal/herr"
)

// LMOTSType is the LM-OTS parameter set selector (draft §4.2 Table 1).
// Only the SHA-256/n=32 family is implemented, matching the reference.
type LMOTSType uint32

const (
	LMOTSSHA256N32W1 LMOTSType = 1 + iota
	LMOTSSHA256N32W2
	LMOTSSHA256N32W4
	LMOTSSHA256N32W8
)

type lmotsParams struct {
	n, w, p, ls int
}

var lmotsTable = map[LMOTSType]lmotsParams{
	LMOTSSHA256N32W1: {n: 32, w: 1, p: 265, ls: 7},
	LMOTSSHA256N32W2: {n: 32, w: 2, p: 133, ls: 6},
	LMOTSSHA256N32W4: {n: 32, w: 4, p: 67, ls: 4},
	LMOTSSHA256N32W8: {n: 32, w: 8, p: 34, ls: 0},
}

func (t LMOTSType) params() (lmotsParams, error) {
	p, ok := lmotsTable[t]
	if !ok {
		return lmotsParams{}, herr.New(herr.BadArguments, "hashsig.LMOTSType", nil)
	}
	return p, nil
}

// PrivateKeyLen returns the encoded length of an LM-OTS private key
// under t: u32(type) || I || u32(q) || x[0..p-1].
func (t LMOTSType) PrivateKeyLen() int {
	p, err := t.params()
	if err != nil {
		return 0
	}
	return 4 + 16 + 4 + p.p*p.n
}

// SignatureLen returns the encoded length of an LM-OTS signature:
// u32(type) || C || y[0..p-1].
func (t LMOTSType) SignatureLen() int {
	p, err := t.params()
	if err != nil {
		return 0
	}
	return 4 + (p.p+1)*p.n
}

// LMSType is the LMS parameter set selector (draft §5.1 Table 2): tree
// height h, all with m=32 (SHA-256).
type LMSType uint32

const (
	LMSSHA256N32H5 LMSType = 5 + iota
	LMSSHA256N32H10
	LMSSHA256N32H15
	LMSSHA256N32H20
	LMSSHA256N32H25
)

var lmsHeight = map[LMSType]int{
	LMSSHA256N32H5:  5,
	LMSSHA256N32H10: 10,
	LMSSHA256N32H15: 15,
	LMSSHA256N32H20: 20,
	LMSSHA256N32H25: 25,
}

const lmsM = 32

func (t LMSType) height() (int, error) {
	h, ok := lmsHeight[t]
	if !ok {
		return 0, herr.New(herr.BadArguments, "hashsig.LMSType", nil)
	}
	return h, nil
}

// PublicKeyLen returns the encoded length of an LMS public key:
// u32(type) || u32(otstype) || I || T[1].
func (t LMSType) PublicKeyLen() int {
	return 4 + 4 + 16 + lmsM
}

// SignatureLen returns the encoded length of an LMS signature:
// u32(q) || ots_sig || u32(type) || path[0..h-1].
func (t LMSType) SignatureLen(ots LMOTSType) int {
	h, err := t.height()
	if err != nil {
		return 0
	}
	return 4 + ots.SignatureLen() + 4 + h*lmsM
}

// Domain separator tags (draft §3.2).
const (
	dPblc = 0x8080
	dMesg = 0x8181
	dLeaf = 0x8282
	dIntr = 0x8383
)

// coef extracts the i-th w-bit coefficient of S, treating S as a
// string of w-bit digits (draft §3.1.3, Algorithm 2's helper).
func coef(s []byte, i, w int) int {
	switch w {
	case 1:
		return int((s[i/8] >> (7 - uint(i%8))) & 0x01)
	case 2:
		return int((s[i/4] >> (6 - 2*uint(i%4))) & 0x03)
	case 4:
		return int((s[i/2] >> (4 - 4*uint(i%2))) & 0x0f)
	case 8:
		return int(s[i])
	default:
		return 0
	}
}

// checksum implements draft Algorithm 2 over the first n*8/w
// coefficients of s, shifted left by ls.
func checksum(s []byte, n, w, ls int) uint16 {
	var sum int
	for i := 0; i < n*8/w; i++ {
		sum += (1<<uint(w) - 1) - coef(s, i, w)
	}
	return uint16(sum << uint(ls))
}

func putU32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func putU16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
