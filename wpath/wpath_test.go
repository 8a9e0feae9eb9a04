package wpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalization(t *testing.T) {
	a, ok := New("/a/b/")
	assert.True(t, ok)
	b, ok := New("/a/b")
	assert.True(t, ok)
	assert.Equal(t, a.String(), b.String())

	_, ok = New("a/b")
	assert.False(t, ok)

	root, ok := New("/")
	assert.True(t, ok)
	assert.True(t, root.IsRoot())
}

func TestParentAndJoin(t *testing.T) {
	p := MustNew("/etc/passwd")
	dir, name, ok := p.Parent()
	assert.True(t, ok)
	assert.Equal(t, "/etc", dir.String())
	assert.Equal(t, "passwd", name)
	assert.Equal(t, p.String(), dir.Join(name).String())

	_, _, ok = Root.Parent()
	assert.False(t, ok)
}

func TestFromNulTerminated(t *testing.T) {
	buf := append([]byte("/app/init"), 0, 'X', 'X')
	p, ok := FromNulTerminated(buf)
	assert.True(t, ok)
	assert.Equal(t, "/app/init", p.String())
}
