package rpc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cryptech/hsmcore/internal/arbiter"
	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/pkey"
	"github.com/cryptech/hsmcore/internal/task"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// Handler decodes its call's arguments from d (whose cursor sits right
// after the wire envelope's func_code, at the client_handle field —
// every handler is responsible for consuming that field itself, per
// rpc_server.c's per-call "skip over unused client argument" / "decode
// client.handle" convention) and encodes the response body into e. Its
// return value becomes the response's result_code.
type Handler func(s *Server, d *xdr.Decoder, e *xdr.Encoder) error

// Server is the "local" dispatch regime (spec §4.6): the library this
// package's Handler table calls directly, wired to the keystore,
// arbiter, asymmetric-key manager, and hash-based signature store a
// running HSM needs to service every function code.
type Server struct {
	Store   *keystore.Store
	Arb     *arbiter.Arbiter
	PKey    *pkey.Manager
	Hashsig *hashsig.Store

	mu         sync.Mutex
	nextHandle uint32
	hashes     map[uint32]*hashHandle
	pkeys      map[uint32]uuid.UUID
}

type hashHandle struct {
	state *hash.State
	hmac  *hash.HMACState
	alg   hash.Algorithm
}

// NewServer builds a Server over already-open components. Hashsig
// restart recovery (spec §4.5.4) is the caller's responsibility — a
// Server does not itself decide when the store is ready.
func NewServer(store *keystore.Store, arb *arbiter.Arbiter, pk *pkey.Manager, hs *hashsig.Store) *Server {
	return &Server{
		Store:      store,
		Arb:        arb,
		PKey:       pk,
		Hashsig:    hs,
		nextHandle: 1,
		hashes:     make(map[uint32]*hashHandle),
		pkeys:      make(map[uint32]uuid.UUID),
	}
}

func (s *Server) allocHandle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.nextHandle
	s.nextHandle++
	return h
}

func (s *Server) putHash(h *hashHandle) uint32 {
	handle := s.allocHandle()
	s.mu.Lock()
	s.hashes[handle] = h
	s.mu.Unlock()
	return handle
}

func (s *Server) getHash(handle uint32) (*hashHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[handle]
	return h, ok
}

func (s *Server) dropHash(handle uint32) {
	s.mu.Lock()
	delete(s.hashes, handle)
	s.mu.Unlock()
}

func (s *Server) putPKey(name uuid.UUID) uint32 {
	handle := s.allocHandle()
	s.mu.Lock()
	s.pkeys[handle] = name
	s.mu.Unlock()
	return handle
}

func (s *Server) getPKey(handle uint32) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.pkeys[handle]
	return name, ok
}

func (s *Server) dropPKey(handle uint32) {
	s.mu.Lock()
	delete(s.pkeys, handle)
	s.mu.Unlock()
}

var dispatchTable = map[FuncCode]Handler{
	GetVersion:               handleGetVersion,
	GetRandom:                handleGetRandom,
	SetPIN:                   handleSetPIN,
	Login:                    handleLogin,
	Logout:                   handleLogout,
	LogoutAll:                handleLogoutAll,
	IsLoggedIn:               handleIsLoggedIn,
	HashGetDigestLen:         handleHashGetDigestLen,
	HashGetDigestAlgorithmID: handleHashGetDigestAlgorithmID,
	HashGetAlgorithm:         handleHashGetAlgorithm,
	HashInitialize:           handleHashInitialize,
	HashUpdate:               handleHashUpdate,
	HashFinalize:             handleHashFinalize,
	PKeyLoad:                 handlePKeyLoad,
	PKeyOpen:                 handlePKeyOpen,
	PKeyGenerateRSA:          handlePKeyGenerateRSA,
	PKeyGenerateEC:           handlePKeyGenerateEC,
	PKeyClose:                handlePKeyClose,
	PKeyDelete:               handlePKeyDelete,
	PKeyGetKeyType:           handlePKeyGetKeyType,
	PKeyGetKeyFlags:          handlePKeyGetKeyFlags,
	PKeyGetPublicKeyLen:      handlePKeyGetPublicKeyLen,
	PKeyGetPublicKey:         handlePKeyGetPublicKey,
	PKeySign:                 handlePKeySign,
	PKeyVerify:               handlePKeyVerify,
	PKeyMatch:                handlePKeyMatch,
	PKeyGetKeyCurve:          handlePKeyGetKeyCurve,
	PKeySetAttributes:        handlePKeySetAttributes,
	PKeyGetAttributes:        handlePKeyGetAttributes,
	PKeyExport:               handlePKeyExport,
	PKeyImport:               handlePKeyImport,
	PKeyGenerateHashsig:      handlePKeyGenerateHashsig,
}

// headerLen is {func_code, client_handle, result_code}, each a 4-byte
// XDR int (spec §4.6: "Every request and response begins with
// {func_code, client_handle}; responses additionally include
// {result_code}").
const headerLen = 12

// Dispatch runs one request packet through the dispatch table and
// returns the encoded response packet, mirroring
// hal_rpc_server_dispatch's reserve-header/run-handler/backfill-header
// shape. It never returns an error itself: a malformed request becomes
// an RPCProtocolError or RPCBadFunction result code in the response,
// exactly as a well-formed one does for a handler-level failure.
func (s *Server) Dispatch(req []byte) []byte {
	task.Yield()

	d := xdr.NewDecoder(req)
	funcCode, err := d.Int()
	if err != nil {
		return encodeHeader(0, 0, herr.RPCProtocolError, nil)
	}
	clientHandle, err := d.PeekInt()
	if err != nil {
		return encodeHeader(funcCode, 0, herr.RPCProtocolError, nil)
	}

	handler, ok := dispatchTable[FuncCode(funcCode)]
	if !ok {
		return encodeHeader(funcCode, clientHandle, herr.RPCBadFunction, nil)
	}

	e := xdr.NewEncoder(256)
	if err := handler(s, d, e); err != nil {
		return encodeHeader(funcCode, clientHandle, herr.CodeOf(err), nil)
	}
	return encodeHeader(funcCode, clientHandle, herr.OK, e.Bytes())
}

// discardSession consumes one wire int for calls whose table entry
// lists a session handle distinct from the generic client handle
// Dispatch already peeked (rpc_api.c's hal_session_handle_t param,
// e.g. hal_rpc_pkey_load's client AND session). hsmcore has no
// separate session-scoped state, so the value is never stored.
func discardSession(d *xdr.Decoder) error {
	_, err := d.Int()
	return err
}

func encodeHeader(funcCode, clientHandle uint32, result herr.Code, body []byte) []byte {
	h := xdr.NewEncoder(headerLen + len(body))
	h.Int(funcCode)
	h.Int(clientHandle)
	h.Int(uint32(result))
	return append(h.Bytes(), body...)
}
