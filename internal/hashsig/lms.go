package hashsig

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/task"
)

// LMSPrivateKey is one level of an HSS hierarchy: a Merkle tree of
// 2^h LM-OTS leaves, plus the next-unused leaf index q (draft §5.2).
// Leaves holds every LM-OTS private key; Sign signs with leaf Q, then
// recomputes every leaf's public key and the node array T to build the
// authentication path; see (*LMSPrivateKey).Sign.
type LMSPrivateKey struct {
	Type    LMSType
	OtsType LMOTSType
	I       [16]byte
	Q       uint32
	Leaves  []*LMOTSPrivateKey
}

// GenerateLMSPrivateKey builds a fresh tree of 2^h LM-OTS leaves under
// a random identifier I (draft Algorithm 5).
func GenerateLMSPrivateKey(lmsType LMSType, otsType LMOTSType) (*LMSPrivateKey, error) {
	h, err := lmsType.height()
	if err != nil {
		return nil, err
	}
	var i [16]byte
	if _, err := rand.Read(i[:]); err != nil {
		return nil, herr.New(herr.CSPRNGBroken, "hashsig.GenerateLMSPrivateKey", err)
	}

	n := 1 << uint(h)
	leaves := make([]*LMOTSPrivateKey, n)
	for q := 0; q < n; q++ {
		leaf, err := GenerateLMOTSPrivateKey(otsType, i, uint32(q))
		if err != nil {
			return nil, err
		}
		leaves[q] = leaf
		task.Yield()
	}
	return &LMSPrivateKey{Type: lmsType, OtsType: otsType, I: i, Leaves: leaves}, nil
}

// Exhausted reports whether every leaf has already signed (H2).
func (k *LMSPrivateKey) Exhausted() bool {
	h, _ := k.Type.height()
	return k.Q >= uint32(1<<uint(h))
}

// computeT computes the Merkle tree node array T (1-indexed, leaves at
// [2^h, 2^h*2)) from the LM-OTS public keys (draft §5.3's T[r]
// recurrence). leafPub supplies each leaf's already-computed public
// key hash so callers that only need a path don't recompute every
// leaf's Winternitz chains twice.
func (k *LMSPrivateKey) computeT(leafPub [][32]byte) ([][32]byte, error) {
	h, err := k.Type.height()
	if err != nil {
		return nil, err
	}
	n := 1 << uint(h)
	t := make([][32]byte, 2*n)

	for q := 0; q < n; q++ {
		r := n + q
		var rb [4]byte
		putU32(rb[:], uint32(r))
		var sb [2]byte
		putU16(sb[:], dLeaf)
		hsh := sha256.New()
		hsh.Write(k.I[:])
		hsh.Write(rb[:])
		hsh.Write(sb[:])
		hsh.Write(leafPub[q][:])
		copy(t[r][:], hsh.Sum(nil))
	}
	for r := n - 1; r > 0; r-- {
		var rb [4]byte
		putU32(rb[:], uint32(r))
		var sb [2]byte
		putU16(sb[:], dIntr)
		hsh := sha256.New()
		hsh.Write(k.I[:])
		hsh.Write(rb[:])
		hsh.Write(sb[:])
		hsh.Write(t[2*r][:])
		hsh.Write(t[2*r+1][:])
		copy(t[r][:], hsh.Sum(nil))
	}
	return t, nil
}

func (k *LMSPrivateKey) leafPublicKeys() ([][32]byte, error) {
	h, err := k.Type.height()
	if err != nil {
		return nil, err
	}
	n := 1 << uint(h)
	pubs := make([][32]byte, n)
	for q := 0; q < n; q++ {
		pub, err := k.Leaves[q].PublicKey()
		if err != nil {
			return nil, err
		}
		pubs[q] = pub
	}
	return pubs, nil
}

// LMSPublicKey is the root commitment of an LMS tree (draft §5.3).
type LMSPublicKey struct {
	Type    LMSType
	OtsType LMOTSType
	I       [16]byte
	T1      [32]byte
}

// PublicKey computes this tree's root hash T[1].
func (k *LMSPrivateKey) PublicKey() (LMSPublicKey, error) {
	leafPubs, err := k.leafPublicKeys()
	if err != nil {
		return LMSPublicKey{}, err
	}
	t, err := k.computeT(leafPubs)
	if err != nil {
		return LMSPublicKey{}, err
	}
	return LMSPublicKey{Type: k.Type, OtsType: k.OtsType, I: k.I, T1: t[1]}, nil
}

// LMSSignature is one Merkle-authenticated one-time signature (draft
// §5.4): the leaf index, its LM-OTS signature, and the sibling path
// to the root.
type LMSSignature struct {
	Q       uint32
	OtsSig  *LMOTSSignature
	Type    LMSType
	Path    [][32]byte
}

// Sign consumes leaf Q, advancing the tree's counter (draft Algorithm
// 5.4). The caller (Store.Sign) is responsible for persisting the new
// Q via the tombstone sequence before releasing the returned
// signature — consuming a leaf and losing the updated counter would
// let it be reused.
func (k *LMSPrivateKey) Sign(msg []byte) (*LMSSignature, error) {
	if k.Exhausted() {
		return nil, herr.New(herr.HashsigKeyExhausted, "hashsig.LMSPrivateKey.Sign", nil)
	}
	h, err := k.Type.height()
	if err != nil {
		return nil, err
	}
	q := k.Q
	leaf := k.Leaves[q]

	otsSig, err := leaf.Sign(msg)
	if err != nil {
		return nil, err
	}

	leafPubs, err := k.leafPublicKeys()
	if err != nil {
		return nil, err
	}
	t, err := k.computeT(leafPubs)
	if err != nil {
		return nil, err
	}

	path := make([][32]byte, h)
	r := (1 << uint(h)) + int(q)
	for i := 0; r > 1; r, i = r/2, i+1 {
		if r&1 != 0 {
			path[i] = t[r-1]
		} else {
			path[i] = t[r+1]
		}
	}

	k.Q++
	return &LMSSignature{Q: q, OtsSig: otsSig, Type: k.Type, Path: path}, nil
}

// Verify checks sig over msg against pub (draft Algorithms 6/6b).
func Verify(pub LMSPublicKey, msg []byte, sig *LMSSignature) error {
	h, err := pub.Type.height()
	if err != nil {
		return err
	}
	if sig.Type != pub.Type || int(sig.Q) >= 1<<uint(h) {
		return herr.New(herr.InvalidSignature, "hashsig.Verify", nil)
	}
	if len(sig.Path) != h {
		return herr.New(herr.InvalidSignature, "hashsig.Verify", nil)
	}

	kc, err := PublicKeyCandidate(pub.OtsType, pub.I, sig.Q, msg, sig.OtsSig)
	if err != nil {
		return err
	}

	r := (1 << uint(h)) + int(sig.Q)
	var rb [4]byte
	putU32(rb[:], uint32(r))
	var sb [2]byte
	putU16(sb[:], dLeaf)
	hsh := sha256.New()
	hsh.Write(pub.I[:])
	hsh.Write(rb[:])
	hsh.Write(sb[:])
	hsh.Write(kc[:])
	var tmp [32]byte
	copy(tmp[:], hsh.Sum(nil))

	for i := 0; r > 1; r, i = r/2, i+1 {
		var prb [4]byte
		putU32(prb[:], uint32(r/2))
		var psb [2]byte
		putU16(psb[:], dIntr)
		hsh := sha256.New()
		hsh.Write(pub.I[:])
		hsh.Write(prb[:])
		hsh.Write(psb[:])
		if r&1 != 0 {
			hsh.Write(sig.Path[i][:])
			hsh.Write(tmp[:])
		} else {
			hsh.Write(tmp[:])
			hsh.Write(sig.Path[i][:])
		}
		copy(tmp[:], hsh.Sum(nil))
	}

	if tmp != pub.T1 {
		return herr.New(herr.InvalidSignature, "hashsig.Verify", nil)
	}
	return nil
}
