package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bnema/symstream/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id string
}

func (c stubConn) ID() string                   { return c.id }
func (c stubConn) Send(protocol.Outbound) error { return nil }

func TestDirectoryBindReplacesPrevious(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	first, second := stubConn{id: "c1"}, stubConn{id: "c2"}

	dir.Bind("s-1", first)
	dir.Bind("s-1", second)

	got, ok := dir.Lookup("s-1")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())
}

func TestDirectoryUnbindIgnoresStaleConnection(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()
	first, second := stubConn{id: "c1"}, stubConn{id: "c2"}

	dir.Bind("s-1", first)
	dir.Bind("s-1", second)
	dir.Unbind("s-1", first)

	got, ok := dir.Lookup("s-1")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())

	dir.Unbind("s-1", second)
	_, ok = dir.Lookup("s-1")
	assert.False(t, ok)

	dir.Unbind("missing", second)
	_, ok = dir.Lookup("missing")
	assert.False(t, ok)
}

func TestDirectoryConcurrentAccess(t *testing.T) {
	t.Parallel()

	dir := NewDirectory()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := stubConn{id: fmt.Sprintf("c%d", i)}
			dir.Bind("shared", conn)
			dir.Lookup("shared")
			dir.Unbind("shared", conn)
		}()
	}
	wg.Wait()

	if got, ok := dir.Lookup("shared"); ok {
		assert.IsType(t, stubConn{}, got)
	}
}
