package hashsig

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/cryptech/hsmcore/internal/herr"
)

// LMOTSPrivateKey is a one-time signature private key (draft §4.3):
// p secrets x[i], each usable to extend one Winternitz chain exactly
// once. I is the owning LMS tree's identifier, q this leaf's index
// within that tree.
type LMOTSPrivateKey struct {
	Type LMOTSType
	I    [16]byte
	Q    uint32
	X    [][32]byte
}

// GenerateLMOTSPrivateKey samples a fresh private key for leaf q of
// tree I (draft Algorithm 0).
func GenerateLMOTSPrivateKey(typ LMOTSType, i [16]byte, q uint32) (*LMOTSPrivateKey, error) {
	p, err := typ.params()
	if err != nil {
		return nil, err
	}
	x := make([][32]byte, p.p)
	for j := range x {
		if _, err := rand.Read(x[j][:]); err != nil {
			return nil, herr.New(herr.CSPRNGBroken, "hashsig.GenerateLMOTSPrivateKey", err)
		}
	}
	return &LMOTSPrivateKey{Type: typ, I: i, Q: q, X: x}, nil
}

// chain runs the Winternitz hash chain starting from seed for steps
// iterations, under domain (I, q, i) (draft §4.2's "iterate H").
func chain(typ LMOTSType, i [16]byte, q uint32, chainIdx int, start int, steps int, seed [32]byte) [32]byte {
	tmp := seed
	var qb [4]byte
	putU32(qb[:], q)
	var sb [2]byte
	putU16(sb[:], uint16(chainIdx))
	for j := start; j < start+steps; j++ {
		h := sha256.New()
		h.Write(i[:])
		h.Write(qb[:])
		h.Write(sb[:])
		h.Write([]byte{byte(j)})
		h.Write(tmp[:])
		copy(tmp[:], h.Sum(nil))
	}
	return tmp
}

// PublicKey computes K, finishing every Winternitz chain to its end
// (draft Algorithm 1).
func (k *LMOTSPrivateKey) PublicKey() ([32]byte, error) {
	p, err := k.Type.params()
	if err != nil {
		return [32]byte{}, err
	}
	y := make([][32]byte, p.p)
	for i := range y {
		y[i] = chain(k.Type, k.I, k.Q, i, 0, (1<<uint(p.w))-1, k.X[i])
	}
	return hashPublic(k.Type, k.I, k.Q, y), nil
}

func hashPublic(typ LMOTSType, i [16]byte, q uint32, y [][32]byte) [32]byte {
	var qb [4]byte
	putU32(qb[:], q)
	var sb [2]byte
	putU16(sb[:], dPblc)
	h := sha256.New()
	h.Write(i[:])
	h.Write(qb[:])
	h.Write(sb[:])
	for _, yi := range y {
		h.Write(yi[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// LMOTSSignature is a one-time signature (draft §4.6): a randomizer C
// plus one partially-advanced Winternitz chain value per digit.
type LMOTSSignature struct {
	Type LMOTSType
	C    [32]byte
	Y    [][32]byte
}

// Sign produces a one-time signature over msg, consuming this key
// (draft Algorithm 3). The caller is responsible for never invoking
// Sign twice on the same key — hashsig's Store layer enforces that via
// the LMS tree's q counter.
func (k *LMOTSPrivateKey) Sign(msg []byte) (*LMOTSSignature, error) {
	p, err := k.Type.params()
	if err != nil {
		return nil, err
	}
	var c [32]byte
	if _, err := rand.Read(c[:]); err != nil {
		return nil, herr.New(herr.CSPRNGBroken, "hashsig.Sign", err)
	}

	q := messageDigest(k.Type, k.I, k.Q, c, msg, p)

	y := make([][32]byte, p.p)
	for i := range y {
		a := coef(q, i, p.w)
		y[i] = chain(k.Type, k.I, k.Q, i, 0, a, k.X[i])
	}
	return &LMOTSSignature{Type: k.Type, C: c, Y: y}, nil
}

// messageDigest computes Q || Cksm(Q) (draft §4.6 step 5 / §4.5).
func messageDigest(typ LMOTSType, i [16]byte, q uint32, c [32]byte, msg []byte, p lmotsParams) []byte {
	var qb [4]byte
	putU32(qb[:], q)
	var sb [2]byte
	putU16(sb[:], dMesg)
	h := sha256.New()
	h.Write(i[:])
	h.Write(qb[:])
	h.Write(sb[:])
	h.Write(c[:])
	h.Write(msg)
	digest := h.Sum(nil)

	out := make([]byte, p.n+2)
	copy(out, digest)
	var ck [2]byte
	putU16(ck[:], checksum(digest, p.n, p.w, p.ls))
	copy(out[p.n:], ck[:])
	return out
}

// PublicKeyCandidate reconstructs Kc from a signature, message, and
// the tree identifiers (I, q) named by the public key being tested
// against (draft Algorithm 4b).
func PublicKeyCandidate(typ LMOTSType, i [16]byte, q uint32, msg []byte, sig *LMOTSSignature) ([32]byte, error) {
	if sig.Type != typ {
		return [32]byte{}, herr.New(herr.InvalidSignature, "hashsig.PublicKeyCandidate", nil)
	}
	p, err := typ.params()
	if err != nil {
		return [32]byte{}, err
	}
	if len(sig.Y) != p.p {
		return [32]byte{}, herr.New(herr.InvalidSignature, "hashsig.PublicKeyCandidate", nil)
	}

	digest := messageDigest(typ, i, q, sig.C, msg, p)

	z := make([][32]byte, p.p)
	for idx := range z {
		a := coef(digest, idx, p.w)
		steps := (1<<uint(p.w) - 1) - a
		z[idx] = chain(typ, i, q, idx, a, steps, sig.Y[idx])
	}
	return hashPublic(typ, i, q, z), nil
}
