package elbus

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowDenyAuthenticators(t *testing.T) {
	ctx := context.Background()
	ac := &AuthContext{Name: "c1"}

	res, err := (&AllowAllAuthenticator{}).Authenticate(ctx, ac)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = (&DenyAllAuthenticator{}).Authenticate(ctx, ac)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ResultAccess, res.Code)

	fn := AuthenticatorFunc(func(_ context.Context, ac *AuthContext) (*AuthResult, error) {
		return &AuthResult{Success: ac.Name == "c1"}, nil
	})
	res, err = fn.Authenticate(ctx, ac)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTLSAuthenticator(t *testing.T) {
	tests := []struct {
		name     string
		prefix   bool
		client   string
		cn       string
		verified bool
		want     bool
	}{
		{"exact", false, "plant1", "plant1", true, true},
		{"not verified", false, "plant1", "plant1", false, false},
		{"no cn", false, "plant1", "", true, false},
		{"mismatch", false, "plant2", "plant1", true, false},
		{"group without prefix", false, "plant1.pump", "plant1", true, false},
		{"group with prefix", true, "plant1.pump", "plant1", true, true},
		{"nested group with prefix", true, "plant1.pump.motor", "plant1", true, true},
		{"other group with prefix", true, "plant2.pump", "plant1", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &TLSAuthenticator{PrefixMatch: tt.prefix}
			res, err := a.Authenticate(context.Background(), &AuthContext{
				Name:          tt.client,
				TLSCommonName: tt.cn,
				TLSVerified:   tt.verified,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Success)
		})
	}
}

func TestTLSIdentityPlainConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, ok := tlsIdentity(c1)
	assert.False(t, ok)
}

func TestCredential(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, 16)

	cred := ComputeCredential("s3cret", salt, 16)
	assert.True(t, cred.Verify([]byte("s3cret")))
	assert.False(t, cred.Verify([]byte("wrong")))
	assert.Equal(t, 16, cred.Iterations)

	parsed, err := ParseCredential(cred.String())
	require.NoError(t, err)
	assert.Equal(t, cred, parsed)
	assert.True(t, parsed.Verify([]byte("s3cret")))

	assert.Equal(t, DefaultCredentialIterations, ComputeCredential("x", salt, 0).Iterations)
}

func TestParseCredentialErrors(t *testing.T) {
	tests := []string{
		"",
		"plain",
		"md5$16$c2FsdA$a2V5",
		"pbkdf2-sha256$x$c2FsdA$a2V5",
		"pbkdf2-sha256$0$c2FsdA$a2V5",
		"pbkdf2-sha256$16$!!$a2V5",
		"pbkdf2-sha256$16$c2FsdA$",
		"pbkdf2-sha256$16$c2FsdA$a2V5$extra",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseCredential(s)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestCredentialAuthenticator(t *testing.T) {
	a := NewCredentialAuthenticator()
	a.Set("plant1.*", ComputeCredential("group", []byte("salt"), 16))
	a.Set("plant1.admin", ComputeCredential("admin", []byte("salt"), 16))

	tests := []struct {
		name       string
		client     string
		credential string
		want       bool
	}{
		{"group member", "plant1.pump", "group", true},
		{"exact wins over group", "plant1.admin", "admin", true},
		{"group secret on exact entry", "plant1.admin", "group", false},
		{"wrong secret", "plant1.pump", "nope", false},
		{"no credential", "plant1.pump", "", false},
		{"unknown client", "plant2.pump", "group", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Authenticate(context.Background(), &AuthContext{
				Name:       tt.client,
				Credential: []byte(tt.credential),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Success)
			if !tt.want {
				assert.Equal(t, ResultAccess, res.Code)
			}
		})
	}

	a.Remove("plant1.*")
	res, err := a.Authenticate(context.Background(), &AuthContext{Name: "plant1.pump", Credential: []byte("group")})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestAuthzAction(t *testing.T) {
	for _, a := range []AuthzAction{AuthzActionSend, AuthzActionBroadcast, AuthzActionPublish, AuthzActionSubscribe} {
		t.Run(a.String(), func(t *testing.T) {
			got, err := ParseAuthzAction(a.String())
			require.NoError(t, err)
			assert.Equal(t, a, got)
		})
	}
	_, err := ParseAuthzAction("delete")
	assert.Error(t, err)
	assert.Equal(t, "unknown", AuthzAction(9).String())
}

func TestACLAuthorizer(t *testing.T) {
	acl := NewACLAuthorizer(false,
		ACLRule{Clients: "plant1.*", Actions: []AuthzAction{AuthzActionPublish}, Targets: "plant1/#", Allow: true},
		ACLRule{Clients: "plant1.*", Actions: []AuthzAction{AuthzActionSend, AuthzActionBroadcast}, Targets: "plant1.*", Allow: true},
		ACLRule{Clients: "ops", Allow: true},
	)

	tests := []struct {
		name   string
		client string
		kind   ClientKind
		action AuthzAction
		target string
		want   bool
	}{
		{"publish own tree", "plant1.pump", ClientTCP, AuthzActionPublish, "plant1/pump/state", true},
		{"publish foreign tree", "plant1.pump", ClientTCP, AuthzActionPublish, "plant2/pump/state", false},
		{"send to group", "plant1.pump", ClientTCP, AuthzActionSend, "plant1.valve", true},
		{"broadcast to group", "plant1.pump", ClientTCP, AuthzActionBroadcast, "plant1.*", true},
		{"send outside group", "plant1.pump", ClientTCP, AuthzActionSend, "plant2.valve", false},
		{"subscribe no rule", "plant1.pump", ClientTCP, AuthzActionSubscribe, "plant1/#", false},
		{"exact client any action", "ops", ClientTCP, AuthzActionSubscribe, "#", true},
		{"internal bypass", ".broker", ClientInternal, AuthzActionPublish, "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := acl.Authorize(context.Background(), &AuthzContext{
				Client: tt.client,
				Kind:   tt.kind,
				Action: tt.action,
				Target: tt.target,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Allowed)
			if !tt.want {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}

	acl.AddRule(ACLRule{Clients: "*", Actions: []AuthzAction{AuthzActionSubscribe}, Allow: true})
	res, err := acl.Authorize(context.Background(), &AuthzContext{
		Client: "plant1.pump",
		Kind:   ClientTCP,
		Action: AuthzActionSubscribe,
		Target: "anything/#",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAllowDenyAuthorizers(t *testing.T) {
	ctx := context.Background()
	ac := &AuthzContext{Client: "c", Action: AuthzActionSend, Target: "d"}

	res, err := (&AllowAllAuthorizer{}).Authorize(ctx, ac)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = (&DenyAllAuthorizer{}).Authorize(ctx, ac)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
