package seedbox

import (
	"context"
	"errors"

	"github.com/rssbox/rssbox/internal/store"
)

// StoreTokens persists session tokens on the account documents, so any
// worker that claims the account reuses the live session.
type StoreTokens struct {
	store store.Store
}

var _ TokenStore = (*StoreTokens)(nil)

func NewStoreTokens(s store.Store) *StoreTokens {
	return &StoreTokens{store: s}
}

func (t *StoreTokens) ReadToken(ctx context.Context, accountID string) (string, error) {
	account, err := t.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.Token, nil
}

func (t *StoreTokens) WriteToken(ctx context.Context, accountID, token string) error {
	return t.store.SetAccountToken(ctx, accountID, token)
}
