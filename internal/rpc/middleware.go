package rpc

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

type Authorizer interface {
	TrustsCert(fingerprint string) bool
}

type AuthorizerFunc func(fingerprint string) bool

func (a AuthorizerFunc) TrustsCert(fingerprint string) bool { return a(fingerprint) }

// StaticAuthorizer trusts a fixed set of fingerprints. Comparison is case-insensitive.
type StaticAuthorizer map[string]struct{}

func NewStaticAuthorizer(fingerprints []string) StaticAuthorizer {
	s := StaticAuthorizer{}
	for _, f := range fingerprints {
		s[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return s
}

func (s StaticAuthorizer) TrustsCert(fingerprint string) bool {
	_, ok := s[strings.ToLower(fingerprint)]
	return ok
}

type fingerprintKey struct{}

// PeerFingerprint returns the fingerprint of the client certificate authorized by WithAuth.
func PeerFingerprint(ctx context.Context) string {
	f, _ := ctx.Value(fingerprintKey{}).(string)
	return f
}

// WithAuth rejects requests that don't present a client certificate trusted by auth.
func WithAuth(auth Authorizer, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(401)
			return
		}

		fingerprint := Fingerprint(r.TLS.PeerCertificates[0].Raw)
		if auth == nil || !auth.TrustsCert(fingerprint) {
			w.WriteHeader(403)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), fingerprintKey{}, fingerprint)), ps)
	}
}

func WithLogging(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wp := &responseProxy{ResponseWriter: w, Status: 200}
		next.ServeHTTP(wp, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wp.Status).
			Str("remote", r.RemoteAddr).
			Dur("latency", time.Since(start)).
			Msg("handled request")
	})
}

// responseProxy retains the response status for logging.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers (logs) reach the client through the proxy.
func (r *responseProxy) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
