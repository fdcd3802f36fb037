package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/gptchat/internal/logger"
	"gwi.com/gptchat/internal/store"
)

func TestSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	accounts := NewAccountService(st, logger.Nop())

	_, err = accounts.Signup(ctx, "not-an-email", "password1", "password1")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = accounts.Signup(ctx, "a@example.com", "short", "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
	_, err = accounts.Signup(ctx, "a@example.com", "password1", "password2")
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	user, err := accounts.Signup(ctx, " A@Example.com ", "password1", "password1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	assert.NotEqual(t, "password1", user.PasswordHash)

	_, err = accounts.Signup(ctx, "a@example.com", "password1", "password1")
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := accounts.Login(ctx, "a@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = accounts.Login(ctx, "a@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = accounts.Login(ctx, "b@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, accounts.SaveAPIKeys(ctx, user.ID, "sk-1", ""))
	got, err = accounts.User(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OpenAIAPIKey)
	assert.Equal(t, "sk-1", *got.OpenAIAPIKey)
}
