package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetMissing(t *testing.T) {
	s := New()

	v, found, err := s.Get(context.Background(), "products")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, v)
}

func TestStore_SetThenGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "products", `[]`))
	require.NoError(t, s.Set(ctx, "products", `[{"id":"a"}]`))

	v, found, err := s.Get(ctx, "products")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `[{"id":"a"}]`, v)
}

func TestStore_PingClose(t *testing.T) {
	s := New()
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}
