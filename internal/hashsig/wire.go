package hashsig

import (
	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// These helpers implement the keystore block payloads for level-0
// persistence (spec §4.5.1 step 3, §4.5.4): an LM-OTS leaf's private
// key, an LMS tree's metadata (its leaves' UUIDs plus q), and the HSS
// wrapper record naming the tree and the top-level public key. None of
// these are wire formats the RPC layer exposes; EncodeSignature and
// EncodePublicKey in hss.go are.

// encodeLMOTSPrivate serializes an LM-OTS private key for keystore
// storage: u32(type) || I || u32(q) || x[0..p-1].
func encodeLMOTSPrivate(k *LMOTSPrivateKey) []byte {
	e := xdr.NewEncoder(k.Type.PrivateKeyLen())
	e.Int(uint32(k.Type))
	e.FixedOpaque(k.I[:])
	e.Int(k.Q)
	for _, xi := range k.X {
		e.FixedOpaque(xi[:])
	}
	return e.Bytes()
}

// decodeLMOTSPrivate parses the wire form encodeLMOTSPrivate produces.
func decodeLMOTSPrivate(buf []byte) (*LMOTSPrivateKey, error) {
	d := xdr.NewDecoder(buf)
	typ, err := d.Int()
	if err != nil {
		return nil, err
	}
	t := LMOTSType(typ)
	p, err := t.params()
	if err != nil {
		return nil, err
	}
	i, err := d.FixedOpaque(16)
	if err != nil {
		return nil, err
	}
	q, err := d.Int()
	if err != nil {
		return nil, err
	}
	x := make([][32]byte, p.p)
	for j := range x {
		xi, err := d.FixedOpaque(p.n)
		if err != nil {
			return nil, err
		}
		copy(x[j][:], xi)
	}
	k := &LMOTSPrivateKey{Type: t, Q: q, X: x}
	copy(k.I[:], i)
	return k, nil
}

// lmsMetadata is the decoded form of an LMS tree's keystore block:
// enough to reattach its persisted leaves and resume signing.
type lmsMetadata struct {
	lmsType   LMSType
	otsType   LMOTSType
	i         [16]byte
	q         uint32
	leafNames []uuid.UUID
}

// encodeLMSMetadata serializes an LMS tree's metadata block: u32(type)
// || u32(otstype) || I || u32(q) || u32(n) || leafNames[0..n-1].
func encodeLMSMetadata(k *LMSPrivateKey, leafNames []uuid.UUID) []byte {
	e := xdr.NewEncoder(16 + 16*len(leafNames))
	e.Int(uint32(k.Type))
	e.Int(uint32(k.OtsType))
	e.FixedOpaque(k.I[:])
	e.Int(k.Q)
	e.Int(uint32(len(leafNames)))
	for _, name := range leafNames {
		e.FixedOpaque(name[:])
	}
	return e.Bytes()
}

// decodeLMSMetadata parses the wire form encodeLMSMetadata produces.
func decodeLMSMetadata(buf []byte) (lmsMetadata, error) {
	d := xdr.NewDecoder(buf)
	lmsType, err := d.Int()
	if err != nil {
		return lmsMetadata{}, err
	}
	otsType, err := d.Int()
	if err != nil {
		return lmsMetadata{}, err
	}
	i, err := d.FixedOpaque(16)
	if err != nil {
		return lmsMetadata{}, err
	}
	q, err := d.Int()
	if err != nil {
		return lmsMetadata{}, err
	}
	n, err := d.Int()
	if err != nil {
		return lmsMetadata{}, err
	}
	leafNames := make([]uuid.UUID, n)
	for j := range leafNames {
		raw, err := d.FixedOpaque(16)
		if err != nil {
			return lmsMetadata{}, err
		}
		u, err := uuid.FromBytes(raw)
		if err != nil {
			return lmsMetadata{}, herr.New(herr.BadArguments, "hashsig.decodeLMSMetadata", err)
		}
		leafNames[j] = u
	}
	meta := lmsMetadata{lmsType: LMSType(lmsType), otsType: LMOTSType(otsType), q: q, leafNames: leafNames}
	copy(meta.i[:], i)
	return meta, nil
}

// hssWrapper is the decoded form of an HSS key's small keystore block
// (spec §4.5.1 step 3): the hierarchy's shape, its public identity,
// and the name of the level-0 LMS metadata block.
type hssWrapper struct {
	l       int
	lmsType LMSType
	otsType LMOTSType
	pub     LMSPublicKey
	lmsName uuid.UUID
}

// encodeHSSWrapper serializes an HSS wrapper record: u32(L) ||
// u32(lmstype) || u32(otstype) || lms_public_key || lms_name.
func encodeHSSWrapper(l int, lmsType LMSType, otsType LMOTSType, pub LMSPublicKey, lmsName uuid.UUID) []byte {
	e := xdr.NewEncoder(12 + lmsType.PublicKeyLen() + 16)
	e.Int(uint32(l))
	e.Int(uint32(lmsType))
	e.Int(uint32(otsType))
	e.FixedOpaque(EncodePublicKey(pub))
	e.FixedOpaque(lmsName[:])
	return e.Bytes()
}

// decodeHSSWrapper parses the wire form encodeHSSWrapper produces.
func decodeHSSWrapper(buf []byte) (hssWrapper, error) {
	d := xdr.NewDecoder(buf)
	l, err := d.Int()
	if err != nil {
		return hssWrapper{}, err
	}
	lmsType, err := d.Int()
	if err != nil {
		return hssWrapper{}, err
	}
	otsType, err := d.Int()
	if err != nil {
		return hssWrapper{}, err
	}
	pubLen := LMSType(lmsType).PublicKeyLen()
	pubBuf, err := d.FixedOpaque(pubLen)
	if err != nil {
		return hssWrapper{}, err
	}
	pub, err := DecodePublicKey(pubBuf)
	if err != nil {
		return hssWrapper{}, err
	}
	nameBuf, err := d.FixedOpaque(16)
	if err != nil {
		return hssWrapper{}, err
	}
	name, err := uuid.FromBytes(nameBuf)
	if err != nil {
		return hssWrapper{}, herr.New(herr.BadArguments, "hashsig.decodeHSSWrapper", err)
	}
	return hssWrapper{l: int(l), lmsType: LMSType(lmsType), otsType: LMOTSType(otsType), pub: pub, lmsName: name}, nil
}
