package hashsig

import (
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// signedPub is one cached link in the HSS chain of trust: the
// signature level i made over level i+1's public key, plus that public
// key itself (draft §6.1's signed_pub_key).
type signedPub struct {
	Sig *LMSSignature
	Pub LMSPublicKey
}

// PrivateKey is an L-level HSS hierarchy (draft §6). Levels[0] is the
// top tree, whose public key IS the HSS identity and so, per
// hashsig.Store, is the only level ever written to durable keystore
// blocks; Levels[1:] are regenerated on demand as each is exhausted.
type PrivateKey struct {
	L         int
	LmsType   LMSType
	OtsType   LMOTSType
	Levels    []*LMSPrivateKey
	SignedPub []signedPub // len L-1; SignedPub[i] links Levels[i] -> Levels[i+1]
}

// PublicKey is an HSS public key: its level count and the top tree's
// LMS public key (draft §6.1).
type PublicKey struct {
	L   int
	Top LMSPublicKey
}

// Signature is an HSS signature (draft §6.2): the chain of
// signed_pub_key records down from the top tree, followed by the
// bottom tree's signature over the actual message.
type Signature struct {
	Nspk      int
	SignedPub []signedPub
	Final     *LMSSignature
}

// GenerateHSSPrivateKey builds a fresh L-level hierarchy, signing each
// level's public key with its parent (draft §6.1's keygen).
func GenerateHSSPrivateKey(l int, lmsType LMSType, otsType LMOTSType) (*PrivateKey, error) {
	if l < 1 {
		return nil, herr.New(herr.BadArguments, "hashsig.GenerateHSSPrivateKey", nil)
	}
	levels := make([]*LMSPrivateKey, l)
	for i := range levels {
		lvl, err := GenerateLMSPrivateKey(lmsType, otsType)
		if err != nil {
			return nil, err
		}
		levels[i] = lvl
	}
	signed, err := signChain(levels, 0)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{L: l, LmsType: lmsType, OtsType: otsType, Levels: levels, SignedPub: signed}, nil
}

// signChain (re)signs levels[from+1:] with their immediate parent,
// returning the full SignedPub cache. Called at keygen with from=0 and
// again after a Sign regenerates a suffix of levels.
func signChain(levels []*LMSPrivateKey, from int) ([]signedPub, error) {
	l := len(levels)
	signed := make([]signedPub, l-1)
	for i := from; i < l-1; i++ {
		pub, err := levels[i+1].PublicKey()
		if err != nil {
			return nil, err
		}
		sig, err := levels[i].Sign(encodeLMSPublicKey(pub))
		if err != nil {
			return nil, err
		}
		signed[i] = signedPub{Sig: sig, Pub: pub}
	}
	return signed, nil
}

// PublicKey returns the HSS public key: the level-0 tree's root.
func (k *PrivateKey) PublicKey() (PublicKey, error) {
	top, err := k.Levels[0].PublicKey()
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{L: k.L, Top: top}, nil
}

// Sign produces an HSS signature over msg (draft §6.2). If the bottom
// tree is exhausted, it finds the smallest d such that every level
// from d up is exhausted, regenerates those levels fresh (a new
// identifier I, a new leaf set, q reset to 0), and re-signs the chain
// down from d's parent before signing msg itself. If the top level
// (d==0) is exhausted the whole key is dead: spec §4.5's
// HashsigKeyExhausted.
func (k *PrivateKey) Sign(msg []byte) (*Signature, error) {
	bottom := k.L - 1
	if k.Levels[bottom].Exhausted() {
		d := k.L - 1
		for d > 0 && k.Levels[d-1].Exhausted() {
			d--
		}
		if d == 0 {
			return nil, herr.New(herr.HashsigKeyExhausted, "hashsig.PrivateKey.Sign", nil)
		}
		for i := d; i < k.L; i++ {
			fresh, err := GenerateLMSPrivateKey(k.LmsType, k.OtsType)
			if err != nil {
				return nil, err
			}
			k.Levels[i] = fresh
		}
		signed, err := signChain(k.Levels, d-1)
		if err != nil {
			return nil, err
		}
		copy(k.SignedPub[d-1:], signed[d-1:])
	}

	final, err := k.Levels[bottom].Sign(msg)
	if err != nil {
		return nil, err
	}
	return &Signature{Nspk: k.L - 1, SignedPub: k.SignedPub, Final: final}, nil
}

// VerifyHSS checks sig over msg against pub, walking the chain of
// signed public keys from the top tree down to the level that
// actually signed msg (draft §6.3).
func VerifyHSS(pub PublicKey, msg []byte, sig *Signature) error {
	if sig.Nspk+1 != pub.L {
		return herr.New(herr.InvalidSignature, "hashsig.VerifyHSS", nil)
	}
	if len(sig.SignedPub) != sig.Nspk {
		return herr.New(herr.InvalidSignature, "hashsig.VerifyHSS", nil)
	}

	key := pub.Top
	for i := 0; i < sig.Nspk; i++ {
		link := sig.SignedPub[i]
		if err := Verify(key, encodeLMSPublicKey(link.Pub), link.Sig); err != nil {
			return err
		}
		key = link.Pub
	}
	return Verify(key, msg, sig.Final)
}

// encodeLMSPublicKey is the byte string an HSS parent level actually
// signs for its child's public key (draft §6.1): the same wire layout
// EncodePublicKey produces.
func encodeLMSPublicKey(pub LMSPublicKey) []byte {
	return EncodePublicKey(pub)
}

// EncodePublicKey serializes an LMS public key: u32(type) ||
// u32(otstype) || I || T1 (draft §5.3).
func EncodePublicKey(pub LMSPublicKey) []byte {
	e := xdr.NewEncoder(pub.Type.PublicKeyLen())
	e.Int(uint32(pub.Type))
	e.Int(uint32(pub.OtsType))
	e.FixedOpaque(pub.I[:])
	e.FixedOpaque(pub.T1[:])
	return e.Bytes()
}

// DecodePublicKey parses the wire form EncodePublicKey produces.
func DecodePublicKey(buf []byte) (LMSPublicKey, error) {
	d := xdr.NewDecoder(buf)
	typ, err := d.Int()
	if err != nil {
		return LMSPublicKey{}, err
	}
	otsType, err := d.Int()
	if err != nil {
		return LMSPublicKey{}, err
	}
	i, err := d.FixedOpaque(16)
	if err != nil {
		return LMSPublicKey{}, err
	}
	t1, err := d.FixedOpaque(lmsM)
	if err != nil {
		return LMSPublicKey{}, err
	}
	var pub LMSPublicKey
	pub.Type = LMSType(typ)
	pub.OtsType = LMOTSType(otsType)
	copy(pub.I[:], i)
	copy(pub.T1[:], t1)
	return pub, nil
}

// EncodeHSSPublicKey serializes an HSS public key: u32(L) ||
// lms_public_key (draft §6.1).
func EncodeHSSPublicKey(pub PublicKey) []byte {
	e := xdr.NewEncoder(4 + pub.Top.Type.PublicKeyLen())
	e.Int(uint32(pub.L))
	e.FixedOpaque(EncodePublicKey(pub.Top))
	return e.Bytes()
}

// DecodeHSSPublicKey parses the wire form EncodeHSSPublicKey produces.
func DecodeHSSPublicKey(buf []byte) (PublicKey, error) {
	d := xdr.NewDecoder(buf)
	l, err := d.Int()
	if err != nil {
		return PublicKey{}, err
	}
	top, err := DecodePublicKey(buf[4:])
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{L: int(l), Top: top}, nil
}

// EncodeLMOTSSignature serializes an LM-OTS signature: u32(type) || C
// || y[0..p-1] (draft §4.6).
func EncodeLMOTSSignature(sig *LMOTSSignature) []byte {
	e := xdr.NewEncoder(sig.Type.SignatureLen())
	e.Int(uint32(sig.Type))
	e.FixedOpaque(sig.C[:])
	for _, y := range sig.Y {
		e.FixedOpaque(y[:])
	}
	return e.Bytes()
}

// DecodeLMOTSSignature parses the wire form EncodeLMOTSSignature
// produces.
func DecodeLMOTSSignature(buf []byte) (*LMOTSSignature, error) {
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
	c, err := d.FixedOpaque(p.n)
	if err != nil {
		return nil, err
	}
	sig := &LMOTSSignature{Type: t, Y: make([][32]byte, p.p)}
	copy(sig.C[:], c)
	for i := range sig.Y {
		y, err := d.FixedOpaque(p.n)
		if err != nil {
			return nil, err
		}
		copy(sig.Y[i][:], y)
	}
	return sig, nil
}

// EncodeSignature serializes an LMS signature: u32(q) || ots_sig ||
// u32(type) || path[0..h-1] (draft §5.4).
func EncodeSignature(sig *LMSSignature) ([]byte, error) {
	h, err := sig.Type.height()
	if err != nil {
		return nil, err
	}
	e := xdr.NewEncoder(sig.Type.SignatureLen(sig.OtsSig.Type))
	e.Int(sig.Q)
	e.FixedOpaque(EncodeLMOTSSignature(sig.OtsSig))
	e.Int(uint32(sig.Type))
	if len(sig.Path) != h {
		return nil, herr.New(herr.BadArguments, "hashsig.EncodeSignature", nil)
	}
	for _, node := range sig.Path {
		e.FixedOpaque(node[:])
	}
	return e.Bytes(), nil
}

// DecodeSignature parses the wire form EncodeSignature produces.
// otsLen is the encoded length of the embedded LM-OTS signature, which
// the caller must already know from the key's parameter set (the wire
// format has no independent length prefix for it).
func DecodeSignature(buf []byte, otsLen int) (*LMSSignature, error) {
	d := xdr.NewDecoder(buf)
	q, err := d.Int()
	if err != nil {
		return nil, err
	}
	otsBuf, err := d.FixedOpaque(otsLen)
	if err != nil {
		return nil, err
	}
	otsSig, err := DecodeLMOTSSignature(otsBuf)
	if err != nil {
		return nil, err
	}
	typ, err := d.Int()
	if err != nil {
		return nil, err
	}
	t := LMSType(typ)
	h, err := t.height()
	if err != nil {
		return nil, err
	}
	path := make([][32]byte, h)
	for i := range path {
		node, err := d.FixedOpaque(lmsM)
		if err != nil {
			return nil, err
		}
		copy(path[i][:], node)
	}
	return &LMSSignature{Q: q, OtsSig: otsSig, Type: t, Path: path}, nil
}

// EncodeHSSSignature serializes an HSS signature: u32(Nspk) ||
// signed_pub_key[0..Nspk-1] || sig[Nspk] (draft §6.2), where each
// signed_pub_key[i] is sig[i] || pub[i+1].
func EncodeHSSSignature(sig *Signature) ([]byte, error) {
	e := xdr.NewEncoder(1024)
	e.Int(uint32(sig.Nspk))
	for _, link := range sig.SignedPub {
		linkBytes, err := EncodeSignature(link.Sig)
		if err != nil {
			return nil, err
		}
		e.FixedOpaque(linkBytes)
		e.FixedOpaque(EncodePublicKey(link.Pub))
	}
	finalBytes, err := EncodeSignature(sig.Final)
	if err != nil {
		return nil, err
	}
	e.FixedOpaque(finalBytes)
	return e.Bytes(), nil
}

// DecodeHSSSignature parses the wire form EncodeHSSSignature produces.
// lmsType/otsType name the parameter set every level in the hierarchy
// shares, needed to know each fixed-length field's size up front (the
// wire format, like the draft's, carries no independent frame
// lengths).
func DecodeHSSSignature(buf []byte, lmsType LMSType, otsType LMOTSType) (*Signature, error) {
	d := xdr.NewDecoder(buf)
	nspk, err := d.Int()
	if err != nil {
		return nil, err
	}
	sigLen := lmsType.SignatureLen(otsType)
	pubLen := lmsType.PublicKeyLen()
	otsLen := otsType.SignatureLen()

	links := make([]signedPub, nspk)
	for i := range links {
		sigBuf, err := d.FixedOpaque(sigLen)
		if err != nil {
			return nil, err
		}
		lsig, err := DecodeSignature(sigBuf, otsLen)
		if err != nil {
			return nil, err
		}
		pubBuf, err := d.FixedOpaque(pubLen)
		if err != nil {
			return nil, err
		}
		pub, err := DecodePublicKey(pubBuf)
		if err != nil {
			return nil, err
		}
		links[i] = signedPub{Sig: lsig, Pub: pub}
	}

	finalBuf, err := d.FixedOpaque(sigLen)
	if err != nil {
		return nil, err
	}
	final, err := DecodeSignature(finalBuf, otsLen)
	if err != nil {
		return nil, err
	}
	return &Signature{Nspk: int(nspk), SignedPub: links, Final: final}, nil
}
