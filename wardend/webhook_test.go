package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookHappyPath(t *testing.T) {
	testKey := []byte("test key")
	triggered := 0
	fn := newWebhookHandler(testKey, func() { triggered++ })

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/hook", bytes.NewBufferString("test123"))
	r.Header.Set("X-Hub-Signature-256", "sha256=5cf4ccad5951e3c0de540fbad18c940f7dbdd85b37b4c6491f4105bb7ff9063e")
	fn(w, r, httprouter.Params{})
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, 1, triggered)
}

func TestWebhook401(t *testing.T) {
	testKey := []byte("test invalidkey")
	triggered := 0
	fn := newWebhookHandler(testKey, func() { triggered++ })

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/hook", bytes.NewBufferString("test123"))
	r.Header.Set("X-Hub-Signature-256", "sha256=5cf4ccad5951e3c0de540fbad18c940f7dbdd85b37b4c6491f4105bb7ff9063e")
	fn(w, r, httprouter.Params{})
	assert.Equal(t, 401, w.Code)
	assert.Zero(t, triggered)
}

func TestReadWebhookKey(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hook.key")

	_, err := readWebhookKey(file)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(file, []byte("\n"), 0600))
	_, err = readWebhookKey(file)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(file, []byte("test key\n"), 0600))
	key, err := readWebhookKey(file)
	require.NoError(t, err)
	assert.Equal(t, []byte("test key"), key)
}
