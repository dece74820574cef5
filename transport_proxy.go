package elbus

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/net/proxy"
)

// ProxyConfig holds proxy configuration for wire clients.
type ProxyConfig struct {
	// URL is the proxy URL: http://host:port or socks5://host:port.
	URL string
	// Username for proxy authentication (optional).
	Username string
	// Password for proxy authentication (optional).
	Password string
}

// ProxyDialer dials TCP connections through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	auth     *proxy.Auth
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer. Supported schemes are http, https
// (HTTP CONNECT), socks5 and socks5h. Credentials embedded in the URL are
// used when username is empty.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("elbus: invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("elbus: unsupported proxy scheme: %s", u.Scheme)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	d := &ProxyDialer{proxyURL: u}
	if username != "" {
		d.auth = &proxy.Auth{User: username, Password: password}
	}
	return d, nil
}

// URL returns the proxy URL.
func (d *ProxyDialer) URL() *url.URL {
	return d.proxyURL
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "http" || d.proxyURL.Scheme == "https" {
		return d.dialConnect(ctx, addr)
	}
	return d.dialSOCKS5(ctx, network, addr)
}

func (d *ProxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
}

func (d *ProxyDialer) dialConnect(ctx context.Context, target string) (net.Conn, error) {
	port := "8080"
	if d.proxyURL.Scheme == "https" {
		port = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(port))
	if err != nil {
		return nil, fmt.Errorf("elbus: proxy connect: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if d.auth != nil {
		cred := base64.StdEncoding.EncodeToString([]byte(d.auth.User + ":" + d.auth.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("elbus: proxy CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("elbus: proxy CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("elbus: proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		// The broker greeting may already sit behind the proxy reply.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, target string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), d.auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("elbus: socks5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, network, target)
		if err != nil {
			return nil, fmt.Errorf("elbus: socks5 dial: %w", err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial(network, target)
	if err != nil {
		return nil, fmt.Errorf("elbus: socks5 dial: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment returns the proxy to use for a TCP or TLS broker
// address according to ALL_PROXY, HTTPS_PROXY, HTTP_PROXY and NO_PROXY,
// or nil when the address should be dialed directly.
func ProxyFromEnvironment(addr Address) (*url.URL, error) {
	host := addr.Address
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if noProxy(host, getenv("NO_PROXY")) {
		return nil, nil
	}

	var raw string
	if addr.Scheme == "tls" || addr.Scheme == "wss" {
		raw = getenv("HTTPS_PROXY")
	}
	if raw == "" {
		raw = getenv("ALL_PROXY")
	}
	if raw == "" {
		raw = getenv("HTTP_PROXY")
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// getenv reads an upper case variable, falling back to its lower case form.
func getenv(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

func noProxy(host, list string) bool {
	for _, pattern := range strings.Split(list, ",") {
		pattern = strings.TrimSpace(pattern)
		switch {
		case pattern == "":
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(host, pattern) || host == pattern[1:] {
				return true
			}
		case host == pattern, strings.HasSuffix(host, "."+pattern):
			return true
		}
	}
	return false
}
