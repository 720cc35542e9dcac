package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/pin"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
	"github.com/cryptech/hsmcore/internal/pkey"
)

// pipeLink is a Link wired directly to a Server's Dispatch, standing in
// for internal/transport's framed net.Conn link: every Send hands its
// packet straight to Dispatch and queues the response for the next
// Recv, skipping SLIP framing entirely.
type pipeLink struct {
	srv   *Server
	inbox [][]byte
}

func (p *pipeLink) Send(pkt []byte) error {
	p.inbox = append(p.inbox, p.srv.Dispatch(pkt))
	return nil
}

func (p *pipeLink) Recv() ([]byte, error) {
	if len(p.inbox) == 0 {
		return nil, io.EOF
	}
	pkt := p.inbox[0]
	p.inbox = p.inbox[1:]
	return pkt, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := keystore.Open(voldriver.New(256))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SetKEK(bytes.Repeat([]byte{0x42}, 32)); err != nil {
		t.Fatalf("set kek: %v", err)
	}
	pk, err := pkey.NewManager(store, nil)
	if err != nil {
		t.Fatalf("new pkey manager: %v", err)
	}
	hs := hashsig.NewStore(store)
	if err := hs.Recover(); err != nil {
		t.Fatalf("hashsig recover: %v", err)
	}
	return NewServer(store, nil, pk, hs)
}

func newTestClient(t *testing.T) (*Client, *Server) {
	t.Helper()
	srv := newTestServer(t)
	link := &pipeLink{srv: srv}
	return NewClient(link, 0xC11E7), srv
}

func TestGetVersion(t *testing.T) {
	c, _ := newTestClient(t)
	v, err := c.GetVersion()
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v != ProtocolVersion {
		t.Fatalf("got version %#x, want %#x", v, ProtocolVersion)
	}
}

func TestGetRandomLength(t *testing.T) {
	c, _ := newTestClient(t)
	buf, err := c.GetRandom(16)
	if err != nil {
		t.Fatalf("get random: %v", err)
	}
	if len(buf) != 16 {
		t.Fatalf("got %d random bytes, want 16", len(buf))
	}
}

func TestBadFunctionCode(t *testing.T) {
	srv := newTestServer(t)
	e := newEncoderForTest()
	e.Int(999)
	e.Int(0)
	resp := srv.Dispatch(e.Bytes())
	d := newDecoderForTest(resp)
	if _, err := d.Int(); err != nil { // func code
		t.Fatalf("decode func code: %v", err)
	}
	if _, err := d.Int(); err != nil { // client handle
		t.Fatalf("decode client handle: %v", err)
	}
	result, err := d.Int()
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if herr.Code(result) != herr.RPCBadFunction {
		t.Fatalf("got result %v, want RPCBadFunction", herr.Code(result))
	}
}

func TestMalformedRequestTooShort(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.Dispatch(nil)
	d := newDecoderForTest(resp)
	if _, err := d.Int(); err != nil {
		t.Fatalf("decode func code: %v", err)
	}
	if _, err := d.Int(); err != nil {
		t.Fatalf("decode client handle: %v", err)
	}
	result, err := d.Int()
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if herr.Code(result) != herr.RPCProtocolError {
		t.Fatalf("got result %v, want RPCProtocolError", herr.Code(result))
	}
}

func TestPINLoginLogout(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.SetPIN(pin.UserNormal, []byte("wheel-of-fortune")); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	if ok, err := c.IsLoggedIn(pin.UserNormal); err != nil {
		t.Fatalf("is logged in: %v", err)
	} else if ok {
		t.Fatalf("expected not logged in before Login")
	}
	if err := c.Login(pin.UserNormal, []byte("wheel-of-fortune")); err != nil {
		t.Fatalf("login: %v", err)
	}
	if ok, err := c.IsLoggedIn(pin.UserNormal); err != nil {
		t.Fatalf("is logged in: %v", err)
	} else if !ok {
		t.Fatalf("expected logged in after Login")
	}
	if err := c.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if ok, err := c.IsLoggedIn(pin.UserNormal); err != nil {
		t.Fatalf("is logged in: %v", err)
	} else if ok {
		t.Fatalf("expected not logged in after Logout")
	}
}

func TestPKeyGenerateECSignVerify(t *testing.T) {
	c, _ := newTestClient(t)

	handle, name, err := c.PKeyGenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}
	if name == (uuid.UUID{}) {
		t.Fatalf("generate ec returned zero name")
	}

	digest := bytes.Repeat([]byte{0x11}, 32)
	sig, err := c.PKeySign(handle, NoHandle, digest, 256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := c.PKeyVerify(handle, NoHandle, digest, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := append([]byte(nil), digest...)
	tampered[0] ^= 0xFF
	if err := c.PKeyVerify(handle, NoHandle, tampered, sig); err == nil {
		t.Fatalf("verify unexpectedly succeeded over tampered digest")
	}

	if err := c.PKeyClose(handle); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.PKeyDelete(handle); err == nil {
		t.Fatalf("delete after close unexpectedly succeeded (handle should be gone)")
	}
}

func TestPKeyGenerateHashsigSignVerify(t *testing.T) {
	c, _ := newTestClient(t)

	handle, _, err := c.PKeyGenerateHashsig(4, uint32(hashsig.LMSSHA256N32H5), uint32(hashsig.LMOTSSHA256N32W8), keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate hashsig: %v", err)
	}

	msg := []byte("sign me once, a tree only grows so tall")
	sig, err := c.PKeySign(handle, NoHandle, msg, 16384)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := c.PKeyVerify(handle, NoHandle, msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestHashUpdateFinalizeMatchesLocalSum(t *testing.T) {
	c, _ := newTestClient(t)

	handle, err := c.HashInitialize(uint32(hash.SHA256), nil)
	if err != nil {
		t.Fatalf("hash initialize: %v", err)
	}
	if err := c.HashUpdate(handle, []byte("hello, ")); err != nil {
		t.Fatalf("hash update: %v", err)
	}
	if err := c.HashUpdate(handle, []byte("world")); err != nil {
		t.Fatalf("hash update: %v", err)
	}
	digest, err := c.HashFinalize(handle, 32)
	if err != nil {
		t.Fatalf("hash finalize: %v", err)
	}

	want, err := hash.Sum(hash.SHA256, []byte("hello, world"))
	if err != nil {
		t.Fatalf("local sum: %v", err)
	}
	if !bytes.Equal(digest, want) {
		t.Fatalf("streamed digest %x != local sum %x", digest, want)
	}
}

func TestMixedClientSignVerifyRSA(t *testing.T) {
	c, _ := newTestClient(t)
	mc := NewMixedClient(c)

	handle, _, err := c.PKeyGenerateRSA(1024, nil, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate rsa: %v", err)
	}

	msg := []byte("mixed regime hashes this locally")
	sig, err := mc.Sign(handle, keystore.KeyTypeRSAPrivate, hash.SHA256, msg, 256)
	if err != nil {
		t.Fatalf("mixed sign: %v", err)
	}
	if err := mc.Verify(handle, keystore.KeyTypeRSAPrivate, hash.SHA256, msg, sig); err != nil {
		t.Fatalf("mixed verify: %v", err)
	}
	if err := mc.Verify(handle, keystore.KeyTypeRSAPrivate, hash.SHA256, []byte("different message"), sig); err == nil {
		t.Fatalf("mixed verify unexpectedly succeeded over wrong message")
	}
}

func TestPKeyMatchFindsGeneratedKey(t *testing.T) {
	c, _ := newTestClient(t)

	_, name, err := c.PKeyGenerateEC(keystore.CurveP256, keystore.FlagUsageDigitalSignature)
	if err != nil {
		t.Fatalf("generate ec: %v", err)
	}

	names, _, done, err := c.PKeyMatch(MatchCriteriaWire{
		Type:  keystore.KeyTypeECPrivate,
		Curve: 0xFF,
		Mask:  0,
		Flags: 0,
	}, 0, uuid.UUID{}, 10)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !done {
		t.Fatalf("expected a single page to exhaust a one-key store")
	}
	found := false
	for _, n := range names {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("match did not return the generated key %s among %v", name, names)
	}
}

func newEncoderForTest() *testEncoder { return &testEncoder{} }

// testEncoder is a tiny raw-int encoder local to this test file so the
// malformed-request tests can build packets without reaching into
// internal/xdr's unexported details.
type testEncoder struct{ buf []byte }

func (e *testEncoder) Int(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *testEncoder) Bytes() []byte { return e.buf }

func newDecoderForTest(buf []byte) *testDecoder { return &testDecoder{buf: buf} }

type testDecoder struct {
	buf []byte
	pos int
}

func (d *testDecoder) Int() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, herr.New(herr.RPCProtocolError, "test.Int", nil)
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}
