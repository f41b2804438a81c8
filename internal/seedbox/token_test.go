package seedbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rssbox/rssbox/internal/store"
)

func TestStoreTokensRoundTrip(t *testing.T) {
	s := store.NewMemory()
	s.SeedAccount(&store.Account{ID: "acc", Password: "pw"})
	tokens := NewStoreTokens(s)
	ctx := context.Background()

	tok, err := tokens.ReadToken(ctx, "acc")
	require.NoError(t, err)
	require.Empty(t, tok)

	require.NoError(t, tokens.WriteToken(ctx, "acc", "session-1"))
	tok, err = tokens.ReadToken(ctx, "acc")
	require.NoError(t, err)
	require.Equal(t, "session-1", tok)
}

func TestStoreTokensUnknownAccountReadsEmpty(t *testing.T) {
	tokens := NewStoreTokens(store.NewMemory())
	tok, err := tokens.ReadToken(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, tok)
}
