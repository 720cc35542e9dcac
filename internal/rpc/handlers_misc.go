package rpc

import (
	"crypto/rand"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/keystore/pin"
	"github.com/cryptech/hsmcore/internal/xdr"
)

// handleGetVersion implements GET_VERSION (spec §6.2 #0). It takes no
// semantic client argument; the envelope's client_handle slot is still
// present on the wire and is simply discarded here (rpc_server.c's
// "skip over unused client argument").
func handleGetVersion(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	e.Int(ProtocolVersion)
	return nil
}

// handleGetRandom implements GET_RANDOM (spec §6.2 #1).
func handleGetRandom(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	length, err := d.Int()
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return herr.New(herr.CSPRNGBroken, "rpc.handleGetRandom", err)
	}
	e.VariableOpaque(buf)
	return nil
}

// handleSetPIN implements SET_PIN (spec §6.2 #2).
func handleSetPIN(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil { // client handle, unused: PIN state is process-wide
		return err
	}
	user, err := d.Int()
	if err != nil {
		return err
	}
	pinBytes, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	return s.Store.SetPIN(pin.User(user), pinBytes)
}

// handleLogin implements LOGIN (spec §6.2 #3).
func handleLogin(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	user, err := d.Int()
	if err != nil {
		return err
	}
	pinBytes, err := d.VariableOpaque()
	if err != nil {
		return err
	}
	return s.Store.Login(pin.User(user), pinBytes)
}

// handleLogout implements LOGOUT (spec §6.2 #4): logs out every user
// slot, matching hal_rpc_logout's single-client-session scope (spec
// §4.2.9 tracks login state process-wide, not per session, in this
// implementation; see DESIGN.md).
func handleLogout(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	s.Store.LogoutAll()
	return nil
}

// handleLogoutAll implements LOGOUT_ALL (spec §6.2 #5).
func handleLogoutAll(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	s.Store.LogoutAll()
	return nil
}

// handleIsLoggedIn implements IS_LOGGED_IN (spec §6.2 #6). A false
// result is reported as herr.PINIncorrect, matching the table's empty
// output column: the call's only observable result is OK or an error.
func handleIsLoggedIn(s *Server, d *xdr.Decoder, e *xdr.Encoder) error {
	if _, err := d.Int(); err != nil {
		return err
	}
	user, err := d.Int()
	if err != nil {
		return err
	}
	if !s.Store.IsLoggedIn(pin.User(user)) {
		return herr.New(herr.PINIncorrect, "rpc.handleIsLoggedIn", nil)
	}
	return nil
}
