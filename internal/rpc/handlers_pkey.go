package rpc

import (
	"crypto/rand"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/attr"
	"github.com/cryptech/hsmcore/internal/pkey"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// isHashsigKey reports whether name belongs to the hashsig store
// rather than pkey.Manager; PKEY_SIGN, PKEY_VERIFY, and friends need to
// know which store owns a name before dispatching. hsmcore keeps both
// key families in the same keystore index, so a single lookup against
// Store.FindKey's Type is enough to tell them apart without a second
// table.
func (s *Server) isHashsigKey(name uuid.UUID) bool {
	view, _, err := s.Store.FindKey(name)
	if err != nil {
		return false
	}
	switch view.Type {
	case keystore.KeyTypeHashsigPrivate, keystore.KeyTypeHashsigPublic,
		keystore.KeyTypeHashsigLMS, keystore.KeyTypeHashsigLMOTS:
		return true
	default:
		return false
	}
}

func decodeName(d *xdr.Decoder) (uuid.UUID, error) {
	b, err := d.FixedOpaque(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	name, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, herr.New(herr.BadArguments, "rpc.decodeName", err)
	}
	return name, nil
}

func encodeName(e *xdr.Encoder, name uuid.UUID) {
	b, _ := name.MarshalBinary()
	e.FixedOpaque(b)
}

// handlePKeyLoad implements PKEY_LOAD (spec §6.2 #13): a PKCS#8 private
// key blob arriving in the clear, stored wrapped under the running
// KEK.
func handlePKeyLoad(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	der, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	name, err := s.PKey.Import(der, keystore.KeyFlags(flags))
	if err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	encodeName(e, name)
	return nil
}

// handlePKeyOpen implements PKEY_OPEN (spec §6.2 #14): attach a fresh
// handle to an already-persisted key name.
func handlePKeyOpen(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	name, err := decodeName(d)
	if err != nil {
		return err
	}
	if _, _, err := s.Store.FindKey(name); err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	return nil
}

// handlePKeyGenerateRSA implements PKEY_GENERATE_RSA (spec §6.2 #15).
func handlePKeyGenerateRSA(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	keylen, err := d.Int()
	if err != nil {
		return err
	}
	exp, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	name, err := s.PKey.GenerateRSA(int(keylen), exp, keystore.KeyFlags(flags))
	if err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	encodeName(e, name)
	return nil
}

// handlePKeyGenerateEC implements PKEY_GENERATE_EC (spec §6.2 #16).
func handlePKeyGenerateEC(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	curve, err := d.Int()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	name, err := s.PKey.GenerateEC(keystore.Curve(curve), keystore.KeyFlags(flags))
	if err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	encodeName(e, name)
	return nil
}

// handlePKeyClose implements PKEY_CLOSE (spec §6.2 #17): release the
// handle without touching the persisted key.
func handlePKeyClose(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	s.dropPKey(handle)
	return nil
}

// handlePKeyDelete implements PKEY_DELETE (spec §6.2 #18).
func handlePKeyDelete(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyDelete", nil)
	}
	var err2 error
	if s.isHashsigKey(name) {
		err2 = s.Hashsig.Delete(name)
	} else {
		err2 = s.PKey.Delete(name)
	}
	if err2 != nil {
		return err2
	}
	s.dropPKey(handle)
	return nil
}

// handlePKeyGetKeyType implements PKEY_GET_KEY_TYPE (spec §6.2 #19).
func handlePKeyGetKeyType(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetKeyType", nil)
	}
	view, _, err := s.Store.FindKey(name)
	if err != nil {
		return err
	}
	e.Int(uint32(view.Type))
	return nil
}

// handlePKeyGetKeyFlags implements PKEY_GET_KEY_FLAGS (spec §6.2 #20).
func handlePKeyGetKeyFlags(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetKeyFlags", nil)
	}
	view, _, err := s.Store.FindKey(name)
	if err != nil {
		return err
	}
	e.Int(uint32(view.Flags))
	return nil
}

// handlePKeyGetKeyCurve implements PKEY_GET_KEY_CURVE (spec §6.2 #26).
func handlePKeyGetKeyCurve(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetKeyCurve", nil)
	}
	view, _, err := s.Store.FindKey(name)
	if err != nil {
		return err
	}
	e.Int(uint32(view.Curve))
	return nil
}

func publicKeyDER(s *Server, name uuid.UUID) ([]byte, error) {
	if s.isHashsigKey(name) {
		pub, err := s.Hashsig.PublicKey(name)
		if err != nil {
			return nil, err
		}
		return hashsig.EncodeHSSPublicKey(pub), nil
	}
	return s.PKey.PublicKeyDER(name)
}

// handlePKeyGetPublicKeyLen implements PKEY_GET_PUBLIC_KEY_LEN (spec
// §6.2 #21).
func handlePKeyGetPublicKeyLen(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetPublicKeyLen", nil)
	}
	der, err := publicKeyDER(s, name)
	if err != nil {
		return err
	}
	e.Int(uint32(len(der)))
	return nil
}

// handlePKeyGetPublicKey implements PKEY_GET_PUBLIC_KEY (spec §6.2
// #22).
func handlePKeyGetPublicKey(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	max, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetPublicKey", nil)
	}
	der, err := publicKeyDER(s, name)
	if err != nil {
		return err
	}
	if uint32(len(der)) > max {
		return herr.New(herr.ResultTooLong, "rpc.handlePKeyGetPublicKey", nil)
	}
	e.VariableOpaque(der)
	return nil
}

// handlePKeySign implements PKEY_SIGN (spec §6.2 #23). hash==NoHandle
// selects the Mixed-regime raw path (see internal/pkey/raw.go);
// otherwise hash names a live digest handle whose Algorithm drives the
// ordinary hash-and-sign path. A hashsig (HSS) key ignores the hash
// field entirely, signing the input message itself per spec §4.5.4.
func handlePKeySign(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	hashHdl, err := d.Int()
	if err != nil {
		return err
	}
	input, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	max, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeySign", nil)
	}

	var sig []byte
	if s.isHashsigKey(name) {
		sgn, err := s.Hashsig.Sign(name, input)
		if err != nil {
			return err
		}
		sig, err = hashsig.EncodeHSSSignature(sgn)
		if err != nil {
			return err
		}
	} else if hashHdl == NoHandle {
		sig, err = s.PKey.SignRaw(name, input)
		if err != nil {
			return err
		}
	} else {
		h, ok := s.getHash(hashHdl)
		if !ok {
			return herr.New(herr.BadArguments, "rpc.handlePKeySign", nil)
		}
		sig, err = s.PKey.Sign(name, h.alg, input)
		if err != nil {
			return err
		}
	}
	if uint32(len(sig)) > max {
		return herr.New(herr.ResultTooLong, "rpc.handlePKeySign", nil)
	}
	e.VariableOpaque(sig)
	return nil
}

// handlePKeyVerify implements PKEY_VERIFY (spec §6.2 #24), the mirror
// of handlePKeySign.
func handlePKeyVerify(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	hashHdl, err := d.Int()
	if err != nil {
		return err
	}
	input, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	sig, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyVerify", nil)
	}

	if s.isHashsigKey(name) {
		pub, err := s.Hashsig.PublicKey(name)
		if err != nil {
			return err
		}
		sgn, err := hashsig.DecodeHSSSignature(sig, pub.Top.Type, pub.Top.OtsType)
		if err != nil {
			return err
		}
		return hashsig.VerifyHSS(pub, input, sgn)
	}

	der, err := s.PKey.PublicKeyDER(name)
	if err != nil {
		return err
	}
	if hashHdl == NoHandle {
		return pkey.VerifyRaw(der, input, sig)
	}
	h, ok := s.getHash(hashHdl)
	if !ok {
		return herr.New(herr.BadArguments, "rpc.handlePKeyVerify", nil)
	}
	return pkey.Verify(der, h.alg, input, sig)
}

// decodeAttrs reads a count-prefixed array of {type:u32, value:opaque}
// pairs, the wire shape PKEY_SET_ATTRIBUTES and PKEY_MATCH's attrs[]
// share.
func decodeAttrs(d *xdr.Decoder) ([]attr.Attribute, error) {
	count, err := d.Int()
	if err != nil {
		return nil, err
	}
	out := make([]attr.Attribute, 0, count)
	for i := uint32(0); i < count; i++ {
		typ, err := d.Int()
		if err != nil {
			return nil, err
		}
		value, err := d.VariableOpaque()
		if err != nil {
			return nil, err
		}
		out = append(out, attr.Attribute{Type: typ, Value: value})
	}
	return out, nil
}

// handlePKeyMatch implements PKEY_MATCH (spec §6.2 #25). See
// internal/pkey/match.go and DESIGN.md for the cursor/state design
// decision: the wire "state" field round-trips a generation counter
// the client has no obligation to interpret, while "previous" (an
// opaque 16-byte UUID) is the actual scan-resume cursor.
func handlePKeyMatch(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	typ, err := d.Int()
	if err != nil {
		return err
	}
	curve, err := d.Int()
	if err != nil {
		return err
	}
	mask, err := d.Int()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	attrs, err := decodeAttrs(d)
	if err != nil {
		return err
	}
	state, err := d.Int()
	if err != nil {
		return err
	}
	max, err := d.Int()
	if err != nil {
		return err
	}
	previous, err := decodeName(d)
	if err != nil {
		return err
	}

	criteria := pkey.MatchCriteria{
		Type:  keystore.KeyType(typ),
		Curve: keystore.Curve(curve),
		Mask:  keystore.KeyFlags(mask),
		Flags: keystore.KeyFlags(flags),
		Attrs: attrs,
	}
	names, _, done, err := s.PKey.Match(criteria, previous, int(max))
	if err != nil {
		return err
	}
	if done {
		e.Int(0)
	} else {
		e.Int(state + 1)
	}
	e.Int(uint32(len(names)))
	for _, name := range names {
		encodeName(e, name)
	}
	return nil
}

// handlePKeySetAttributes implements PKEY_SET_ATTRIBUTES (spec §6.2
// #27).
func handlePKeySetAttributes(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	attrs, err := decodeAttrs(d)
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeySetAttributes", nil)
	}
	for _, a := range attrs {
		if err := s.PKey.SetAttribute(name, a.Type, a.Value); err != nil {
			return err
		}
	}
	return nil
}

// handlePKeyGetAttributes implements PKEY_GET_ATTRIBUTES (spec §6.2
// #28): the requested types arrive with no values, just a shared
// buflen budget for the whole response.
func handlePKeyGetAttributes(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	count, err := d.Int()
	if err != nil {
		return err
	}
	types := make([]uint32, count)
	for i := range types {
		t, err := d.Int()
		if err != nil {
			return err
		}
		types[i] = t
	}
	buflen, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyGetAttributes", nil)
	}

	values := make([][]byte, len(types))
	var total uint32
	for i, t := range types {
		v, err := s.PKey.GetAttribute(name, t)
		if err != nil {
			return err
		}
		values[i] = v
		total += uint32(len(v))
	}
	if total > buflen {
		return herr.New(herr.ResultTooLong, "rpc.handlePKeyGetAttributes", nil)
	}
	e.Int(uint32(len(types)))
	for i, t := range types {
		e.Int(t)
		e.VariableOpaque(values[i])
	}
	return nil
}

// handlePKeyExport implements PKEY_EXPORT (spec §6.2 #29): export the
// private key wrapped under a fresh, per-export ephemeral KEK, itself
// wrapped under the caller-supplied transport key kekek (see DESIGN.md's
// PKEY_EXPORT/PKEY_IMPORT notes — the ephemeral-KEK hierarchy avoids
// ever putting the running KEK itself on the wire).
//
// rpc_api.c's kekek is a pkey handle naming a symmetric transport key
// object; hsmcore has no symmetric key object type in the keystore, so
// kekek travels as raw wrapping-key bytes instead (see DESIGN.md).
func handlePKeyExport(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	handle, err := d.Int()
	if err != nil {
		return err
	}
	kekek, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	maxPKCS8, err := d.Int()
	if err != nil {
		return err
	}
	maxKEK, err := d.Int()
	if err != nil {
		return err
	}
	name, ok := s.getPKey(handle)
	if !ok {
		return herr.New(herr.KeyNotFound, "rpc.handlePKeyExport", nil)
	}
	der, err := s.PKey.UnwrapDER(name)
	if err != nil {
		return err
	}

	expKEK := make([]byte, 32)
	if _, err := rand.Read(expKEK); err != nil {
		return herr.New(herr.CSPRNGBroken, "rpc.handlePKeyExport", err)
	}
	pkcs8Wrapped, err := s.PKey.WrapDER(expKEK, der)
	if err != nil {
		return err
	}
	kekWrapped, err := s.PKey.WrapDER(kekek, expKEK)
	if err != nil {
		return err
	}
	if uint32(len(pkcs8Wrapped)) > maxPKCS8 || uint32(len(kekWrapped)) > maxKEK {
		return herr.New(herr.ResultTooLong, "rpc.handlePKeyExport", nil)
	}
	e.VariableOpaque(pkcs8Wrapped)
	e.VariableOpaque(kekWrapped)
	return nil
}

// handlePKeyImport implements PKEY_IMPORT (spec §6.2 #30), the mirror
// of handlePKeyExport's ephemeral-KEK hierarchy.
func handlePKeyImport(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	kekek, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	pkcs8Wrapped, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	kekWrapped, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	expKEK, err := s.PKey.UnwrapWith(kekek, kekWrapped)
	if err != nil {
		return err
	}
	der, err := s.PKey.UnwrapWith(expKEK, pkcs8Wrapped)
	if err != nil {
		return err
	}
	name, err := s.PKey.Import(der, keystore.KeyFlags(flags))
	if err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	encodeName(e, name)
	return nil
}

// handlePKeyGenerateHashsig implements PKEY_GENERATE_HASHSIG (spec
// §6.2 #31), the HSS/LMS hierarchical hash-based signature key family
// (spec §4.5.4).
func handlePKeyGenerateHashsig(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle
		return err
	}
	if err := discardSession(d); err != nil {
		return err
	}
	l, err := d.Int()
	if err != nil {
		return err
	}
	lmsType, err := d.Int()
	if err != nil {
		return err
	}
	lmotsType, err := d.Int()
	if err != nil {
		return err
	}
	flags, err := d.Int()
	if err != nil {
		return err
	}
	name, err := s.Hashsig.GenerateKey(int(l), hashsig.LMSType(lmsType), hashsig.LMOTSType(lmotsType), keystore.KeyFlags(flags))
	if err != nil {
		return err
	}
	e.Int(s.putPKey(name))
	encodeName(e, name)
	return nil
}
