// Package rpc implements the HSM's remote procedure call surface (spec
// §4.6, §6.1, §6.2): a closed set of function codes, XDR-encoded
// requests and responses framed one-per-SLIP-packet, and the three
// dispatch regimes ("local", "remote", "mixed") spec §4.6 names.
//
// Grounded directly in original_source/sw/libhal/rpc_api.c (the public
// call surface), rpc_server.c (the dispatch table and wire envelope),
// and rpc_client.c (the read-matching-packet client loop) — no pack
// example implements anything RPC-shaped, so this package follows the
// original C one function at a time rather than a teacher idiom, while
// still writing the Go the rest of hsmcore writes: explicit error
// returns, no panics, herr.Code as the wire result code.
package rpc

// FuncCode is the wire tag identifying which call a request/response
// pair belongs to (spec §6.2, the 32-entry function code table).
type FuncCode uint32

const (
	GetVersion FuncCode = iota
	GetRandom
	SetPIN
	Login
	Logout
	LogoutAll
	IsLoggedIn
	HashGetDigestLen
	HashGetDigestAlgorithmID
	HashGetAlgorithm
	HashInitialize
	HashUpdate
	HashFinalize
	PKeyLoad
	PKeyOpen
	PKeyGenerateRSA
	PKeyGenerateEC
	PKeyClose
	PKeyDelete
	PKeyGetKeyType
	PKeyGetKeyFlags
	PKeyGetPublicKeyLen
	PKeyGetPublicKey
	PKeySign
	PKeyVerify
	PKeyMatch
	PKeyGetKeyCurve
	PKeySetAttributes
	PKeyGetAttributes
	PKeyExport
	PKeyImport
	PKeyGenerateHashsig
)

var funcNames = map[FuncCode]string{
	GetVersion:               "get-version",
	GetRandom:                "get-random",
	SetPIN:                   "set-pin",
	Login:                    "login",
	Logout:                   "logout",
	LogoutAll:                "logout-all",
	IsLoggedIn:               "is-logged-in",
	HashGetDigestLen:         "hash-get-digest-len",
	HashGetDigestAlgorithmID: "hash-get-digest-algorithm-id",
	HashGetAlgorithm:         "hash-get-algorithm",
	HashInitialize:           "hash-initialize",
	HashUpdate:               "hash-update",
	HashFinalize:             "hash-finalize",
	PKeyLoad:                 "pkey-load",
	PKeyOpen:                 "pkey-open",
	PKeyGenerateRSA:          "pkey-generate-rsa",
	PKeyGenerateEC:           "pkey-generate-ec",
	PKeyClose:                "pkey-close",
	PKeyDelete:               "pkey-delete",
	PKeyGetKeyType:           "pkey-get-key-type",
	PKeyGetKeyFlags:          "pkey-get-key-flags",
	PKeyGetPublicKeyLen:      "pkey-get-public-key-len",
	PKeyGetPublicKey:         "pkey-get-public-key",
	PKeySign:                 "pkey-sign",
	PKeyVerify:               "pkey-verify",
	PKeyMatch:                "pkey-match",
	PKeyGetKeyCurve:          "pkey-get-key-curve",
	PKeySetAttributes:        "pkey-set-attributes",
	PKeyGetAttributes:        "pkey-get-attributes",
	PKeyExport:               "pkey-export",
	PKeyImport:               "pkey-import",
	PKeyGenerateHashsig:      "pkey-generate-hashsig",
}

func (f FuncCode) String() string {
	if n, ok := funcNames[f]; ok {
		return n
	}
	return "unknown-func-code"
}

// ProtocolVersion is the value GET_VERSION returns (spec §6.2: "Current
// protocol version: 0x01010100").
const ProtocolVersion uint32 = 0x01010100

// NoHandle is the wire value meaning "no handle" for client, hash, and
// pkey handles alike (hal_hash_handle_none's HAL_HANDLE_NONE == 0;
// hsmcore's handle allocators all start at 1 so 0 never collides with
// a live handle).
const NoHandle uint32 = 0
