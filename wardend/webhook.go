package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// newWebhookHandler triggers a registry check of every watched workload when a push notification
// signed with key arrives. Signatures use the X-Hub-Signature-256 convention.
func newWebhookHandler(key []byte, trigger func()) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		hash := hmac.New(sha256.New, key)

		if _, err := io.Copy(hash, io.LimitReader(r.Body, 1<<20)); err != nil {
			w.WriteHeader(400)
			return
		}

		sig := []byte(strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256="))
		if !hmac.Equal([]byte(hex.EncodeToString(hash.Sum(nil))), sig) {
			w.WriteHeader(401)
			return
		}

		trigger()
	}
}

func readWebhookKey(file string) ([]byte, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading webhook key: %w", err)
	}
	key := bytes.TrimSpace(buf)
	if len(key) == 0 {
		return nil, fmt.Errorf("webhook key file %q is empty", file)
	}
	return key, nil
}
