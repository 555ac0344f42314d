package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUri(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		uri, err := ParseUri("sip:alice@localhost:5060")
		require.NoError(t, err)
		assert.Equal(t, "alice", uri.User)
		assert.Equal(t, "localhost", uri.Host)
		assert.Equal(t, 5060, uri.Port)
		assert.Equal(t, "localhost:5060", uri.HostPort())
	})

	t.Run("sips scheme", func(t *testing.T) {
		uri, err := ParseUri("sips:bob@example.com")
		require.NoError(t, err)
		assert.True(t, uri.Encrypted)
		assert.Equal(t, "bob", uri.User)
	})

	t.Run("no port defaults", func(t *testing.T) {
		uri, err := ParseUri("sip:alice@atlanta.com")
		require.NoError(t, err)
		assert.Equal(t, 0, uri.Port)
		assert.Equal(t, "atlanta.com:5060", uri.HostPort())
	})

	t.Run("params and headers", func(t *testing.T) {
		uri, err := ParseUri("sip:alice@atlanta.com;transport=udp;lr?subject=hi")
		require.NoError(t, err)
		v, ok := uri.UriParams.Get("transport")
		require.True(t, ok)
		assert.Equal(t, "udp", v)
		assert.True(t, uri.UriParams.Has("lr"))
		v, ok = uri.Headers.Get("subject")
		require.True(t, ok)
		assert.Equal(t, "hi", v)
	})

	t.Run("user and password", func(t *testing.T) {
		uri, err := ParseUri("sip:alice:secret@atlanta.com")
		require.NoError(t, err)
		assert.Equal(t, "alice", uri.User)
		assert.Equal(t, "secret", uri.Password)
	})

	t.Run("wildcard", func(t *testing.T) {
		uri, err := ParseUri("*")
		require.NoError(t, err)
		assert.True(t, uri.Wildcard)
	})

	t.Run("missing scheme is an error", func(t *testing.T) {
		_, err := ParseUri("alice@atlanta.com")
		assert.Error(t, err)
	})

	t.Run("round trip string", func(t *testing.T) {
		uri, err := ParseUri("sip:alice@atlanta.com:5080;transport=udp")
		require.NoError(t, err)
		assert.Equal(t, "sip:alice@atlanta.com:5080;transport=udp", uri.String())
	})

	t.Run("clone is independent", func(t *testing.T) {
		uri, err := ParseUri("sip:alice@atlanta.com;transport=udp")
		require.NoError(t, err)
		c := uri.Clone()
		c.UriParams = c.UriParams.Add("transport", "tcp")
		v, _ := uri.UriParams.Get("transport")
		assert.Equal(t, "udp", v)
		v, _ = c.UriParams.Get("transport")
		assert.Equal(t, "tcp", v)
	})
}
