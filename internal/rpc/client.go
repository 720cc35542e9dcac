package rpc

import (
	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/attr"
	"github.com/cryptech/hsmcore/internal/keystore/pin"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// Link is one framed request/response packet exchange (spec §4.7's
// SLIP-framed channel). internal/transport supplies the real
// implementation over a net.Conn; rpc_test.go satisfies it directly
// with a pipeLink that hands each request straight to a Server.
type Link interface {
	Send(pkt []byte) error
	Recv() ([]byte, error)
}

// Client is the "remote" dispatch regime (spec §4.6): every call
// marshals its own request packet, sends it over link, and reads
// packets back until one tagged with the call's own function code
// shows up, mirroring rpc_client.c's read_matching_packet — a stray
// response left over from a previous, abandoned call is silently
// discarded rather than misdelivered to the wrong caller.
type Client struct {
	link   Link
	Handle uint32
}

// NewClient wraps link. handle is the wire client_handle this Client
// stamps on every outgoing request (spec §4.6: "client_handle" is
// opaque to the server and round-tripped unchanged).
func NewClient(link Link, handle uint32) *Client {
	return &Client{link: link, Handle: handle}
}

// call sends a request built from funcCode and body, then loops on
// link.Recv until a response tagged funcCode arrives, returning that
// response's body decoder positioned just after the result code (or
// the result code's error if it was not herr.OK).
func (c *Client) call(funcCode FuncCode, body []byte) (*xdr.Decoder, error) {
	req := xdr.NewEncoder(8 + len(body))
	req.Int(uint32(funcCode))
	req.Int(c.Handle)
	req.FixedOpaque(body)
	if err := c.link.Send(req.Bytes()); err != nil {
		return nil, herr.New(herr.RPCTransport, "rpc.Client.call", err)
	}

	for {
		resp, err := c.link.Recv()
		if err != nil {
			return nil, herr.New(herr.RPCTransport, "rpc.Client.call", err)
		}
		d := xdr.NewDecoder(resp)
		gotFunc, err := d.Int()
		if err != nil {
			continue
		}
		if _, err := d.Int(); err != nil { // client_handle, discarded
			continue
		}
		if FuncCode(gotFunc) != funcCode {
			continue
		}
		result, err := d.Int()
		if err != nil {
			return nil, herr.New(herr.RPCProtocolError, "rpc.Client.call", err)
		}
		if herr.Code(result) != herr.OK {
			return nil, herr.New(herr.Code(result), "rpc.Client.call", nil)
		}
		return d, nil
	}
}

// GetVersion implements GET_VERSION (spec §6.2 #0).
func (c *Client) GetVersion() (uint32, error) {
	d, err := c.call(GetVersion, nil)
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// GetRandom implements GET_RANDOM (spec §6.2 #1).
func (c *Client) GetRandom(length uint32) ([]byte, error) {
	e := xdr.NewEncoder(4)
	e.Int(length)
	d, err := c.call(GetRandom, e.Bytes())
	if err != nil {
		return nil, err
	}
	return d.VariableOpaque()
}

// SetPIN implements SET_PIN (spec §6.2 #2).
func (c *Client) SetPIN(user pin.User, pinBytes []byte) error {
	e := xdr.NewEncoder(8 + len(pinBytes))
	e.Int(uint32(user))
	e.VariableOpaque(pinBytes)
	_, err := c.call(SetPIN, e.Bytes())
	return err
}

// Login implements LOGIN (spec §6.2 #3).
func (c *Client) Login(user pin.User, pinBytes []byte) error {
	e := xdr.NewEncoder(8 + len(pinBytes))
	e.Int(uint32(user))
	e.VariableOpaque(pinBytes)
	_, err := c.call(Login, e.Bytes())
	return err
}

// Logout implements LOGOUT (spec §6.2 #4).
func (c *Client) Logout() error {
	_, err := c.call(Logout, nil)
	return err
}

// LogoutAll implements LOGOUT_ALL (spec §6.2 #5).
func (c *Client) LogoutAll() error {
	_, err := c.call(LogoutAll, nil)
	return err
}

// IsLoggedIn implements IS_LOGGED_IN (spec §6.2 #6).
func (c *Client) IsLoggedIn(user pin.User) (bool, error) {
	e := xdr.NewEncoder(4)
	e.Int(uint32(user))
	_, err := c.call(IsLoggedIn, e.Bytes())
	if err != nil {
		if herr.CodeOf(err) == herr.PINIncorrect {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HashGetDigestLen implements HASH_GET_DIGEST_LEN (spec §6.2 #7).
func (c *Client) HashGetDigestLen(alg uint32) (uint32, error) {
	e := xdr.NewEncoder(4)
	e.Int(alg)
	d, err := c.call(HashGetDigestLen, e.Bytes())
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// HashGetDigestAlgorithmID implements HASH_GET_DIGEST_ALGORITHM_ID
// (spec §6.2 #8).
func (c *Client) HashGetDigestAlgorithmID(alg, max uint32) ([]byte, error) {
	e := xdr.NewEncoder(8)
	e.Int(alg)
	e.Int(max)
	d, err := c.call(HashGetDigestAlgorithmID, e.Bytes())
	if err != nil {
		return nil, err
	}
	return d.VariableOpaque()
}

// HashGetAlgorithm implements HASH_GET_ALGORITHM (spec §6.2 #9).
func (c *Client) HashGetAlgorithm(handle uint32) (uint32, error) {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	d, err := c.call(HashGetAlgorithm, e.Bytes())
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// HashInitialize implements HASH_INITIALIZE (spec §6.2 #10).
func (c *Client) HashInitialize(alg uint32, key []byte) (uint32, error) {
	e := xdr.NewEncoder(12 + len(key))
	discardSessionEncode(e)
	e.Int(alg)
	e.VariableOpaque(key)
	d, err := c.call(HashInitialize, e.Bytes())
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// HashUpdate implements HASH_UPDATE (spec §6.2 #11).
func (c *Client) HashUpdate(handle uint32, data []byte) error {
	e := xdr.NewEncoder(8 + len(data))
	e.Int(handle)
	e.VariableOpaque(data)
	_, err := c.call(HashUpdate, e.Bytes())
	return err
}

// HashFinalize implements HASH_FINALIZE (spec §6.2 #12).
func (c *Client) HashFinalize(handle, length uint32) ([]byte, error) {
	e := xdr.NewEncoder(8)
	e.Int(handle)
	e.Int(length)
	d, err := c.call(HashFinalize, e.Bytes())
	if err != nil {
		return nil, err
	}
	return d.VariableOpaque()
}

// discardSessionEncode writes the placeholder session field calls
// sharing handlers_pkey.go/handlers_hash.go's discardSession convention
// expect on the wire (rpc_api.c's hal_session_handle_t). hsmcore has no
// session-scoped state, so the Client always sends zero.
func discardSessionEncode(e *xdr.Encoder) {
	e.Int(0)
}

// PKeyLoad implements PKEY_LOAD (spec §6.2 #13).
func (c *Client) PKeyLoad(der []byte, flags keystore.KeyFlags) (uint32, uuid.UUID, error) {
	e := xdr.NewEncoder(16 + len(der))
	discardSessionEncode(e)
	e.VariableOpaque(der)
	e.Int(uint32(flags))
	d, err := c.call(PKeyLoad, e.Bytes())
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	handle, err := d.Int()
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	name, err := decodeName(d)
	return handle, name, err
}

// PKeyOpen implements PKEY_OPEN (spec §6.2 #14).
func (c *Client) PKeyOpen(name uuid.UUID) (uint32, error) {
	e := xdr.NewEncoder(20)
	discardSessionEncode(e)
	encodeName(e, name)
	d, err := c.call(PKeyOpen, e.Bytes())
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// PKeyGenerateRSA implements PKEY_GENERATE_RSA (spec §6.2 #15).
func (c *Client) PKeyGenerateRSA(keyLen uint32, exponent []byte, flags keystore.KeyFlags) (uint32, uuid.UUID, error) {
	e := xdr.NewEncoder(16 + len(exponent))
	discardSessionEncode(e)
	e.Int(keyLen)
	e.VariableOpaque(exponent)
	e.Int(uint32(flags))
	d, err := c.call(PKeyGenerateRSA, e.Bytes())
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	handle, err := d.Int()
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	name, err := decodeName(d)
	return handle, name, err
}

// PKeyGenerateEC implements PKEY_GENERATE_EC (spec §6.2 #16).
func (c *Client) PKeyGenerateEC(curve keystore.Curve, flags keystore.KeyFlags) (uint32, uuid.UUID, error) {
	e := xdr.NewEncoder(12)
	discardSessionEncode(e)
	e.Int(uint32(curve))
	e.Int(uint32(flags))
	d, err := c.call(PKeyGenerateEC, e.Bytes())
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	handle, err := d.Int()
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	name, err := decodeName(d)
	return handle, name, err
}

// PKeyClose implements PKEY_CLOSE (spec §6.2 #17).
func (c *Client) PKeyClose(handle uint32) error {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	_, err := c.call(PKeyClose, e.Bytes())
	return err
}

// PKeyDelete implements PKEY_DELETE (spec §6.2 #18).
func (c *Client) PKeyDelete(handle uint32) error {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	_, err := c.call(PKeyDelete, e.Bytes())
	return err
}

// PKeyGetKeyType implements PKEY_GET_KEY_TYPE (spec §6.2 #19).
func (c *Client) PKeyGetKeyType(handle uint32) (keystore.KeyType, error) {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	d, err := c.call(PKeyGetKeyType, e.Bytes())
	if err != nil {
		return 0, err
	}
	t, err := d.Int()
	return keystore.KeyType(t), err
}

// PKeyGetKeyFlags implements PKEY_GET_KEY_FLAGS (spec §6.2 #20).
func (c *Client) PKeyGetKeyFlags(handle uint32) (keystore.KeyFlags, error) {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	d, err := c.call(PKeyGetKeyFlags, e.Bytes())
	if err != nil {
		return 0, err
	}
	f, err := d.Int()
	return keystore.KeyFlags(f), err
}

// PKeyGetKeyCurve implements PKEY_GET_KEY_CURVE (spec §6.2 #26).
func (c *Client) PKeyGetKeyCurve(handle uint32) (keystore.Curve, error) {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	d, err := c.call(PKeyGetKeyCurve, e.Bytes())
	if err != nil {
		return 0, err
	}
	v, err := d.Int()
	return keystore.Curve(v), err
}

// PKeyGetPublicKeyLen implements PKEY_GET_PUBLIC_KEY_LEN (spec §6.2 #21).
func (c *Client) PKeyGetPublicKeyLen(handle uint32) (uint32, error) {
	e := xdr.NewEncoder(4)
	e.Int(handle)
	d, err := c.call(PKeyGetPublicKeyLen, e.Bytes())
	if err != nil {
		return 0, err
	}
	return d.Int()
}

// PKeyGetPublicKey implements PKEY_GET_PUBLIC_KEY (spec §6.2 #22).
func (c *Client) PKeyGetPublicKey(handle, max uint32) ([]byte, error) {
	e := xdr.NewEncoder(8)
	e.Int(handle)
	e.Int(max)
	d, err := c.call(PKeyGetPublicKey, e.Bytes())
	if err != nil {
		return nil, err
	}
	return d.VariableOpaque()
}

// PKeySign implements PKEY_SIGN (spec §6.2 #23). hashHandle == NoHandle
// selects the Mixed/raw regime (spec §4.6): input is already the
// digest (or, for RSA, the PKCS#1 DigestInfo) the caller built locally.
func (c *Client) PKeySign(handle, hashHandle uint32, input []byte, max uint32) ([]byte, error) {
	e := xdr.NewEncoder(16 + len(input))
	e.Int(handle)
	e.Int(hashHandle)
	e.VariableOpaque(input)
	e.Int(max)
	d, err := c.call(PKeySign, e.Bytes())
	if err != nil {
		return nil, err
	}
	return d.VariableOpaque()
}

// PKeyVerify implements PKEY_VERIFY (spec §6.2 #24).
func (c *Client) PKeyVerify(handle, hashHandle uint32, input, sig []byte) error {
	e := xdr.NewEncoder(16 + len(input) + len(sig))
	e.Int(handle)
	e.Int(hashHandle)
	e.VariableOpaque(input)
	e.VariableOpaque(sig)
	_, err := c.call(PKeyVerify, e.Bytes())
	return err
}

// PKeyMatch implements PKEY_MATCH (spec §6.2 #25). state/previous are
// the opaque cursor pair handlePKeyMatch hands back; pass the zero
// value of each to start a fresh scan.
func (c *Client) PKeyMatch(crit MatchCriteriaWire, state uint32, previous uuid.UUID, max uint32) (names []uuid.UUID, nextState uint32, done bool, err error) {
	e := xdr.NewEncoder(64)
	discardSessionEncode(e)
	e.Int(uint32(crit.Type))
	e.Int(uint32(crit.Curve))
	e.Int(uint32(crit.Mask))
	e.Int(uint32(crit.Flags))
	encodeAttrsWire(e, crit.Attrs)
	e.Int(state)
	e.Int(max)
	encodeName(e, previous)

	d, cerr := c.call(PKeyMatch, e.Bytes())
	if cerr != nil {
		return nil, 0, false, cerr
	}
	nextState, err = d.Int()
	if err != nil {
		return nil, 0, false, err
	}
	count, err := d.Int()
	if err != nil {
		return nil, 0, false, err
	}
	names = make([]uuid.UUID, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := decodeName(d)
		if err != nil {
			return nil, 0, false, err
		}
		names = append(names, name)
	}
	return names, nextState, nextState == 0, nil
}

// MatchCriteriaWire is pkey.MatchCriteria's wire-facing twin: a Client
// has no Manager of its own to express MatchAnyType/MatchAnyCurve
// against, so it names the same fields directly.
type MatchCriteriaWire struct {
	Type  keystore.KeyType
	Curve keystore.Curve
	Mask  keystore.KeyFlags
	Flags keystore.KeyFlags
	Attrs []attr.Attribute
}

func encodeAttrsWire(e *xdr.Encoder, attrs []attr.Attribute) {
	e.Int(uint32(len(attrs)))
	for _, a := range attrs {
		e.Int(a.Type)
		e.VariableOpaque(a.Value)
	}
}

// PKeySetAttributes implements PKEY_SET_ATTRIBUTES (spec §6.2 #27).
func (c *Client) PKeySetAttributes(handle uint32, attrs []attr.Attribute) error {
	e := xdr.NewEncoder(32)
	e.Int(handle)
	encodeAttrsWire(e, attrs)
	_, err := c.call(PKeySetAttributes, e.Bytes())
	return err
}

// PKeyGetAttributes implements PKEY_GET_ATTRIBUTES (spec §6.2 #28).
func (c *Client) PKeyGetAttributes(handle uint32, types []uint32, bufLen uint32) ([]attr.Attribute, error) {
	e := xdr.NewEncoder(16 + 4*len(types))
	e.Int(handle)
	e.Int(uint32(len(types)))
	for _, t := range types {
		e.Int(t)
	}
	e.Int(bufLen)
	d, err := c.call(PKeyGetAttributes, e.Bytes())
	if err != nil {
		return nil, err
	}
	count, err := d.Int()
	if err != nil {
		return nil, err
	}
	out := make([]attr.Attribute, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := d.Int()
		if err != nil {
			return nil, err
		}
		v, err := d.VariableOpaque()
		if err != nil {
			return nil, err
		}
		out = append(out, attr.Attribute{Type: t, Value: v})
	}
	return out, nil
}

// PKeyExport implements PKEY_EXPORT (spec §6.2 #29). kekek travels as
// raw wrapping-key bytes rather than a pkey handle (see DESIGN.md).
func (c *Client) PKeyExport(handle uint32, kekek []byte, maxPKCS8, maxKEK uint32) (pkcs8Wrapped, kekWrapped []byte, err error) {
	e := xdr.NewEncoder(16 + len(kekek))
	e.Int(handle)
	e.VariableOpaque(kekek)
	e.Int(maxPKCS8)
	e.Int(maxKEK)
	d, cerr := c.call(PKeyExport, e.Bytes())
	if cerr != nil {
		return nil, nil, cerr
	}
	pkcs8Wrapped, err = d.VariableOpaque()
	if err != nil {
		return nil, nil, err
	}
	kekWrapped, err = d.VariableOpaque()
	return pkcs8Wrapped, kekWrapped, err
}

// PKeyImport implements PKEY_IMPORT (spec §6.2 #30).
func (c *Client) PKeyImport(kekek, pkcs8Wrapped, kekWrapped []byte, flags keystore.KeyFlags) (uint32, uuid.UUID, error) {
	e := xdr.NewEncoder(20 + len(kekek) + len(pkcs8Wrapped) + len(kekWrapped))
	discardSessionEncode(e)
	e.VariableOpaque(kekek)
	e.VariableOpaque(pkcs8Wrapped)
	e.VariableOpaque(kekWrapped)
	e.Int(uint32(flags))
	d, err := c.call(PKeyImport, e.Bytes())
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	handle, err := d.Int()
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	name, err := decodeName(d)
	return handle, name, err
}

// PKeyGenerateHashsig implements PKEY_GENERATE_HASHSIG (spec §6.2 #31).
func (c *Client) PKeyGenerateHashsig(l uint32, lmsType, lmotsType uint32, flags keystore.KeyFlags) (uint32, uuid.UUID, error) {
	e := xdr.NewEncoder(20)
	discardSessionEncode(e)
	e.Int(l)
	e.Int(lmsType)
	e.Int(lmotsType)
	e.Int(uint32(flags))
	d, err := c.call(PKeyGenerateHashsig, e.Bytes())
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	handle, err := d.Int()
	if err != nil {
		return 0, uuid.UUID{}, err
	}
	name, err := decodeName(d)
	return handle, name, err
}
