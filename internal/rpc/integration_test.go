package rpc

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	ctx := context.Background()

	svr, err := LoadIdentity(t.TempDir())
	require.NoError(t, err)

	cli, err := LoadIdentity(t.TempDir())
	require.NoError(t, err)

	trustClient := AuthorizerFunc(func(fingerprint string) bool { return fingerprint == cli.Fingerprint })
	trustServer := AuthorizerFunc(func(fingerprint string) bool { return fingerprint == svr.Fingerprint })
	trustNobody := AuthorizerFunc(func(fingerprint string) bool { return false })
	noop := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {}

	tests := []struct {
		Name                             string
		Fn                               func(*testing.T, *Client)
		Handler                          httprouter.Handle
		AuthorizeClient, AuthorizeServer Authorizer
	}{
		{
			Name: "happy path",
			Fn: func(t *testing.T, c *Client) {
				resp, err := c.GET(ctx, "/")
				require.NoError(t, err)
				defer resp.Body.Close()

				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, cli.Fingerprint, string(body))
			},
			Handler: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
				w.Write([]byte(PeerFingerprint(r.Context())))
			},
			AuthorizeClient: trustClient,
			AuthorizeServer: trustServer,
		},
		{
			Name: "untrusted client",
			Fn: func(t *testing.T, c *Client) {
				e := &ErrUntrustedClient{}
				_, err := c.GET(ctx, "/")
				require.ErrorAs(t, err, &e)
				assert.Equal(t, cli.Fingerprint, e.Fingerprint)
			},
			Handler:         noop,
			AuthorizeClient: trustNobody,
			AuthorizeServer: trustServer,
		},
		{
			Name: "untrusted server",
			Fn: func(t *testing.T, c *Client) {
				e := &ErrUntrustedServer{}
				_, err := c.GET(ctx, "/")
				require.ErrorAs(t, err, &e)
				assert.Equal(t, svr.Fingerprint, e.Fingerprint)
			},
			Handler:         noop,
			AuthorizeClient: trustClient,
			AuthorizeServer: trustNobody,
		},
		{
			Name: "50x",
			Fn: func(t *testing.T, c *Client) {
				_, err := c.GET(ctx, "/")
				require.EqualError(t, err, "server returned status 502: test error")
			},
			Handler: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
				w.WriteHeader(502)
				w.Write([]byte("test error"))
			},
			AuthorizeClient: trustClient,
			AuthorizeServer: trustServer,
		},
		{
			Name: "20x && != 200",
			Fn: func(t *testing.T, c *Client) {
				resp, err := c.GET(ctx, "/")
				require.NoError(t, err)
				defer resp.Body.Close()
				assert.Equal(t, 204, resp.StatusCode)
			},
			Handler: func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
				w.WriteHeader(204)
			},
			AuthorizeClient: trustClient,
			AuthorizeServer: trustServer,
		},
		{
			Name: "no client cert",
			Fn: func(t *testing.T, c *Client) {
				c.Transport.(*http.Transport).TLSClientConfig.Certificates = []tls.Certificate{}

				_, err := c.GET(ctx, "/")
				require.Error(t, err)
			},
			Handler:         noop,
			AuthorizeClient: trustClient,
			AuthorizeServer: trustServer,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			router := httprouter.New()
			router.GET("/", WithAuth(test.AuthorizeClient, test.Handler))
			s := NewServer("", svr, WithLogging(zerolog.Nop(), router))
			go s.ServeTLS(ln, "", "")
			defer s.Close()

			test.Fn(t, NewClient(cli, BaseURL(ln.Addr().String()), time.Second, test.AuthorizeServer))
		})
	}
}
