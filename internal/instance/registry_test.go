package instance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID(t *testing.T) {
	assert.Equal(t, "echo-global", ID("echo", false, "alice"))
	assert.Equal(t, ID("echo", false, "alice"), ID("echo", false, "bob"))

	a := ID("loopback", true, "alice")
	assert.True(t, strings.HasPrefix(a, "loopback-"))
	assert.Len(t, a, len("loopback-")+24)
	assert.Equal(t, a, ID("loopback", true, "alice"))
	assert.NotEqual(t, a, ID("loopback", true, "bob"))
	assert.NotEqual(t, ID("a", true, "b\x00c"), ID("a\x00b", true, "c"))
}

func TestRegistryDeleteOnlyOwnEntry(t *testing.T) {
	r := NewRegistry()
	a, b := &Instance{}, &Instance{}

	assert.Nil(t, r.Put("x", a))
	assert.Same(t, a, r.Put("x", b))
	assert.False(t, r.Delete("x", a), "stale instance cannot evict its replacement")
	got, ok := r.Get("x")
	assert.True(t, ok)
	assert.Same(t, b, got)
	assert.True(t, r.Delete("x", b))
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	r := NewRegistry()
	r.Put("b", &Instance{})
	r.Put("a", &Instance{})
	r.Put("c", &Instance{})

	snap := r.Snapshot()
	assert.Len(t, snap, 3)
	a, _ := r.Get("a")
	assert.Same(t, a, snap[0])
}
