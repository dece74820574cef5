package elbus

import (
	"context"
	"crypto/tls"
	"net"
)

// AuthResult represents the result of an authentication attempt.
type AuthResult struct {
	// Success indicates whether authentication was successful.
	Success bool

	// Code is the result code sent to the client when authentication fails.
	// Zero means ResultAccess.
	Code ResultCode
}

// AuthContext contains information about a wire registration request.
type AuthContext struct {
	// Name is the client name from the registration frame.
	Name string

	// Credential is the optional credential sent after the name.
	Credential []byte

	// Kind is the client kind derived from the listener.
	Kind ClientKind

	// RemoteAddr is the remote address of the client connection.
	RemoteAddr net.Addr

	// LocalAddr is the local address of the server connection.
	LocalAddr net.Addr

	// TLSCommonName is the common name from the client TLS certificate (if any).
	TLSCommonName string

	// TLSVerified indicates if the client presented a verified TLS certificate.
	TLSVerified bool
}

// Authenticator defines the interface for authenticating wire clients at registration.
type Authenticator interface {
	// Authenticate authenticates a client registration.
	Authenticate(ctx context.Context, authCtx *AuthContext) (*AuthResult, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, authCtx *AuthContext) (*AuthResult, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, authCtx *AuthContext) (*AuthResult, error) {
	return f(ctx, authCtx)
}

// AllowAllAuthenticator allows all registrations without checking credentials.
type AllowAllAuthenticator struct{}

// Authenticate always returns success.
func (a *AllowAllAuthenticator) Authenticate(_ context.Context, _ *AuthContext) (*AuthResult, error) {
	return &AuthResult{Success: true}, nil
}

// DenyAllAuthenticator denies all registrations.
type DenyAllAuthenticator struct{}

// Authenticate always returns access denied.
func (d *DenyAllAuthenticator) Authenticate(_ context.Context, _ *AuthContext) (*AuthResult, error) {
	return &AuthResult{Success: false, Code: ResultAccess}, nil
}

// TLSAuthenticator accepts clients whose verified certificate common name
// equals the requested client name, or the first segment of it when
// PrefixMatch is set.
type TLSAuthenticator struct {
	PrefixMatch bool
}

// Authenticate checks the client certificate against the requested name.
func (a *TLSAuthenticator) Authenticate(_ context.Context, ac *AuthContext) (*AuthResult, error) {
	if !ac.TLSVerified || ac.TLSCommonName == "" {
		return &AuthResult{Success: false, Code: ResultAccess}, nil
	}
	if ac.TLSCommonName == ac.Name {
		return &AuthResult{Success: true}, nil
	}
	if a.PrefixMatch && MaskMatch(ac.TLSCommonName+".*", ac.Name) {
		return &AuthResult{Success: true}, nil
	}
	return &AuthResult{Success: false, Code: ResultAccess}, nil
}

// tlsIdentity extracts the peer certificate common name from a TLS connection.
func tlsIdentity(conn net.Conn) (string, bool) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tc.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}
