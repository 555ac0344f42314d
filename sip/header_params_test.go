package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderParams(t *testing.T) {
	t.Run("add then get", func(t *testing.T) {
		p := NewParams()
		p = p.Add("branch", "z9hG4bK.abc")
		v, ok := p.Get("branch")
		require.True(t, ok)
		assert.Equal(t, "z9hG4bK.abc", v)
	})

	t.Run("add upserts in place", func(t *testing.T) {
		p := NewParams().Add("tag", "1").Add("tag", "2")
		v, _ := p.Get("tag")
		assert.Equal(t, "2", v)
		assert.Len(t, p, 1)
	})

	t.Run("flag param with empty value", func(t *testing.T) {
		p := NewParams().Add("lr", "")
		v, ok := p.Get("lr")
		require.True(t, ok)
		assert.Equal(t, "", v)
		assert.Equal(t, "lr", p.ToString(';'))
	})

	t.Run("case insensitive lookup", func(t *testing.T) {
		p := NewParams().Add("Branch", "x")
		assert.True(t, p.Has("branch"))
	})

	t.Run("remove", func(t *testing.T) {
		p := NewParams().Add("a", "1").Add("b", "2")
		p = p.Remove("a")
		assert.False(t, p.Has("a"))
		assert.True(t, p.Has("b"))
	})

	t.Run("clone independence", func(t *testing.T) {
		p := NewParams().Add("a", "1")
		c := p.Clone()
		c = c.Add("a", "2")
		v, _ := p.Get("a")
		assert.Equal(t, "1", v)
	})

	t.Run("ToString joins with separator", func(t *testing.T) {
		p := NewParams().Add("a", "1").Add("b", "2")
		assert.Equal(t, "a=1;b=2", p.ToString(';'))
	})
}
