package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://foo:8234", BaseURL("foo"))
	assert.Equal(t, "https://foo:123", BaseURL("foo:123"))
	assert.Equal(t, "https://[::1]:8234", BaseURL("::1"))
	assert.Equal(t, "https://[::1]:9000", BaseURL("[::1]:9000"))
}

func TestStaticAuthorizer(t *testing.T) {
	auth := NewStaticAuthorizer([]string{" ABCDEF ", "123456"})
	assert.True(t, auth.TrustsCert("abcdef"))
	assert.True(t, auth.TrustsCert("123456"))
	assert.False(t, auth.TrustsCert("abc"))
	assert.False(t, NewStaticAuthorizer(nil).TrustsCert(""))
}
