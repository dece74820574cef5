package elbus

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultCredentialIterations is the PBKDF2 iteration count used by ComputeCredential.
	DefaultCredentialIterations = 4096

	credentialKeySize = 32
	credentialScheme  = "pbkdf2-sha256"
)

// ErrInvalidCredential is returned when a stored credential string cannot be parsed.
var ErrInvalidCredential = errors.New("elbus: invalid credential")

// Credential is a salted PBKDF2-SHA256 hash of a client secret.
type Credential struct {
	Salt       []byte
	Iterations int
	Key        []byte
}

// ComputeCredential derives a credential from a secret and salt.
func ComputeCredential(secret string, salt []byte, iterations int) *Credential {
	if iterations <= 0 {
		iterations = DefaultCredentialIterations
	}
	return &Credential{
		Salt:       salt,
		Iterations: iterations,
		Key:        pbkdf2.Key([]byte(secret), salt, iterations, credentialKeySize, sha256.New),
	}
}

// GenerateSalt generates a random salt for credential computation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Verify reports whether secret matches the credential.
func (c *Credential) Verify(secret []byte) bool {
	key := pbkdf2.Key(secret, c.Salt, c.Iterations, len(c.Key), sha256.New)
	return subtle.ConstantTimeCompare(key, c.Key) == 1
}

// String encodes the credential as "pbkdf2-sha256$iterations$salt$key" with
// base64 salt and key, the format used in configuration files.
func (c *Credential) String() string {
	return strings.Join([]string{
		credentialScheme,
		strconv.Itoa(c.Iterations),
		base64.RawStdEncoding.EncodeToString(c.Salt),
		base64.RawStdEncoding.EncodeToString(c.Key),
	}, "$")
}

// ParseCredential parses the format produced by Credential.String.
func ParseCredential(s string) (*Credential, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 4 || parts[0] != credentialScheme {
		return nil, ErrInvalidCredential
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: iterations", ErrInvalidCredential)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: salt", ErrInvalidCredential)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: key", ErrInvalidCredential)
	}
	return &Credential{Salt: salt, Iterations: iterations, Key: key}, nil
}

// CredentialAuthenticator checks the registration credential against stored
// credentials. Entries are keyed by broadcast mask, so one credential can
// cover a whole group ("plant1.*"); an exact name takes precedence.
type CredentialAuthenticator struct {
	mu      sync.RWMutex
	entries map[string]*Credential
}

// NewCredentialAuthenticator creates an empty authenticator.
func NewCredentialAuthenticator() *CredentialAuthenticator {
	return &CredentialAuthenticator{
		entries: make(map[string]*Credential),
	}
}

// Set stores the credential for a client name or mask.
func (a *CredentialAuthenticator) Set(mask string, cred *Credential) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[mask] = cred
}

// Remove deletes the credential for a client name or mask.
func (a *CredentialAuthenticator) Remove(mask string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, mask)
}

// Authenticate verifies the credential sent with the registration.
func (a *CredentialAuthenticator) Authenticate(_ context.Context, ac *AuthContext) (*AuthResult, error) {
	cred := a.lookup(ac.Name)
	if cred == nil || len(ac.Credential) == 0 || !cred.Verify(ac.Credential) {
		return &AuthResult{Success: false, Code: ResultAccess}, nil
	}
	return &AuthResult{Success: true}, nil
}

func (a *CredentialAuthenticator) lookup(name string) *Credential {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if c, ok := a.entries[name]; ok {
		return c
	}
	for mask, c := range a.entries {
		if MaskMatch(mask, name) {
			return c
		}
	}
	return nil
}
