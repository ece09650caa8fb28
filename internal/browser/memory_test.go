package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "script/a", []byte(`{"id":"a"}`)))
	require.NoError(t, s.Set(ctx, "script/b", []byte(`{"id":"b"}`)))
	require.NoError(t, s.Set(ctx, "other/c", []byte(`{}`)))

	records, err := s.List(ctx, "script/")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, s.Delete(ctx, "script/a"))
	_, ok, err = s.Get(ctx, "script/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorageWatch(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	watch := s.Watch()

	require.NoError(t, s.Set(ctx, "script/a", []byte("v1")))
	select {
	case change := <-watch:
		assert.Equal(t, "script/a", change.Key)
		assert.Equal(t, []byte("v1"), change.Value)
		assert.False(t, change.Deleted)
	case <-time.After(time.Second):
		t.Fatal("no change notification for set")
	}

	require.NoError(t, s.Delete(ctx, "script/a"))
	select {
	case change := <-watch:
		assert.Equal(t, "script/a", change.Key)
		assert.True(t, change.Deleted)
	case <-time.After(time.Second):
		t.Fatal("no change notification for delete")
	}

	// Deleting an absent key notifies nobody.
	require.NoError(t, s.Delete(ctx, "script/a"))
	select {
	case change := <-watch:
		t.Fatalf("unexpected notification: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}

	s.Close()
	_, open := <-watch
	assert.False(t, open, "watch channel closes with the storage")
}

func TestMemoryRegistryRejectsConfiguredPatterns(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	r.RejectPattern("https://blocked.example/*")

	_, err := r.Register(ctx, Registration{Patterns: []string{"https://blocked.example/*"}})
	assert.Error(t, err)

	id, err := r.Register(ctx, Registration{Patterns: []string{"https://ok.example/*"}})
	require.NoError(t, err)

	regs, err := r.ListRegistered(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, id, regs[0].ID)

	require.NoError(t, r.Unregister(ctx, id))
	assert.Error(t, r.Unregister(ctx, id), "unknown registration")

	registers, unregisters := r.Ops()
	assert.Equal(t, 2, registers)
	assert.Equal(t, 2, unregisters)
}
