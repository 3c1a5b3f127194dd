package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultPort is the admin API port used when an address doesn't carry one.
const DefaultPort = "8234"

// NewServer returns a TLS server that requests, but does not verify, client certificates.
// Authorization happens per route with WithAuth.
func NewServer(addr string, id *Identity, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second * 15,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{id.Certificate},
			ClientAuth:   tls.RequireAnyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
}

// Client talks to a server whose certificate fingerprint is trusted by auth. A timeout of zero disables the
// request timeout, which streaming calls rely on.
type Client struct {
	*http.Client
	BaseURL string
}

func NewClient(id *Identity, baseURL string, timeout time.Duration, auth Authorizer) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: time.Second * 15,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // the fingerprint is verified in VerifyPeerCertificate
					Certificates:       []tls.Certificate{id.Certificate},
					VerifyPeerCertificate: func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
						for _, cert := range rawCerts {
							if auth.TrustsCert(Fingerprint(cert)) {
								return nil
							}
						}

						e := &ErrUntrustedServer{Fingerprint: "unknown"}
						if len(rawCerts) > 0 {
							e.Fingerprint = Fingerprint(rawCerts[0])
						}
						return e
					},
				},
			},
		},
	}
}

func (c *Client) GET(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) POST(ctx context.Context, path string, body io.Reader) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// do sends a request and turns non-2xx responses into errors, closing their body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case 401, 403:
		return nil, &ErrUntrustedClient{Fingerprint: clientFingerprint(c)}
	}
	return nil, &ErrStatus{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func clientFingerprint(c *Client) string {
	t, ok := c.Transport.(*http.Transport)
	if !ok || len(t.TLSClientConfig.Certificates) == 0 || len(t.TLSClientConfig.Certificates[0].Certificate) == 0 {
		return "unknown"
	}
	return Fingerprint(t.TLSClientConfig.Certificates[0].Certificate[0])
}

// BaseURL turns host or host:port into an https URL, defaulting the port.
func BaseURL(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return "https://" + addr
	}
	return "https://" + net.JoinHostPort(addr, DefaultPort)
}

type ErrUntrustedServer struct {
	Fingerprint string
}

func (e *ErrUntrustedServer) Error() string { return "untrusted server certificate" }

type ErrUntrustedClient struct {
	Fingerprint string
}

func (e *ErrUntrustedClient) Error() string { return "the server does not trust this client certificate" }

type ErrStatus struct {
	Code int
	Body string
}

func (e *ErrStatus) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}
