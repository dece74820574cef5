package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vitalvas/elbus"
	"golang.org/x/time/rate"
)

// Logger builds the daemon logger writing to w.
func (c *Config) Logger(w io.Writer) (elbus.Logger, error) {
	level, err := elbus.ParseLogLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return elbus.NewSlogLogger(slog.New(h), level), nil
}

// TLSConfig loads the server certificate. It returns nil when none is configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load tls certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.TLS.ClientCA != "" {
		pem, err := os.ReadFile(c.TLS.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("load client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("client ca: no certificates found")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if c.TLS.RequireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// Authenticator builds the registration authenticator. It returns nil when
// no credentials are configured.
func (c *Config) Authenticator() (elbus.Authenticator, error) {
	if len(c.Auth.Credentials) == 0 {
		return nil, nil
	}
	a := elbus.NewCredentialAuthenticator()
	for mask, s := range c.Auth.Credentials {
		cred, err := elbus.ParseCredential(s)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", mask, err)
		}
		a.Set(mask, cred)
	}
	return a, nil
}

// Authorizer builds the ACL authorizer. It returns nil when no rules are configured.
func (c *Config) Authorizer() (elbus.Authorizer, error) {
	if len(c.ACL.Rules) == 0 {
		return nil, nil
	}
	rules := make([]elbus.ACLRule, 0, len(c.ACL.Rules))
	for i, r := range c.ACL.Rules {
		rule, err := r.Rule()
		if err != nil {
			return nil, fmt.Errorf("acl rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return elbus.NewACLAuthorizer(c.ACL.DefaultAllow, rules...), nil
}

// BrokerOptions returns the broker options for the configuration.
func (c *Config) BrokerOptions() ([]elbus.BrokerOption, error) {
	opts := []elbus.BrokerOption{
		elbus.WithQueueSize(c.QueueSize),
		elbus.WithTimeout(c.Timeout),
		elbus.WithWorkers(c.Workers),
		elbus.WithWarnRate(rate.Limit(c.Limits.WarnRate), max(1, int(c.Limits.WarnRate))),
	}
	authz, err := c.Authorizer()
	if err != nil {
		return nil, err
	}
	if authz != nil {
		opts = append(opts, elbus.WithAuthorizer(authz))
	}
	return opts, nil
}

// ServerOptions returns the wire server options for the configuration.
func (c *Config) ServerOptions() ([]elbus.ServerOption, error) {
	opts := []elbus.ServerOption{
		elbus.WithServerTimeout(c.Timeout),
		elbus.WithBufSize(c.BufSize),
		elbus.WithClientQueueSize(c.QueueSize),
		elbus.WithMaxFrameSize(c.MaxFrameSize),
		elbus.WithMaxConnections(c.MaxConnections),
		elbus.WithTLSRequired(c.TLS.RequireClientCert),
	}
	if c.Limits.OpsPerSecond > 0 {
		opts = append(opts, elbus.WithOpRate(rate.Limit(c.Limits.OpsPerSecond), c.Limits.Burst))
	}
	auth, err := c.Authenticator()
	if err != nil {
		return nil, err
	}
	if auth != nil {
		opts = append(opts, elbus.WithServerAuth(auth))
	}
	return opts, nil
}
