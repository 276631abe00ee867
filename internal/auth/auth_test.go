package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvolt/gridex/internal/store"
)

func TestRegisterAndLogin(t *testing.T) {
	svc := NewAuthService(store.NewMemory(), "test-secret")
	ctx := context.Background()

	username, err := svc.Register(ctx, "solar_farm_a", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "solar_farm_a", username)

	token, err := svc.Login(ctx, "solar_farm_a", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	trader, err := svc.TraderFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "solar_farm_a", trader)
}

func TestRegisterValidation(t *testing.T) {
	svc := NewAuthService(store.NewMemory(), "test-secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, "", "pw")
	assert.Error(t, err)

	_, err = svc.Register(ctx, "user", "")
	assert.Error(t, err)

	_, err = svc.Register(ctx, strings.Repeat("x", 51), "pw")
	assert.Error(t, err)

	_, err = svc.Register(ctx, "user", strings.Repeat("x", 101))
	assert.Error(t, err)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	svc := NewAuthService(store.NewMemory(), "test-secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, "taken", "pw1")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "taken", "pw2")
	assert.Error(t, err)
}

func TestLoginWrongPassword(t *testing.T) {
	svc := NewAuthService(store.NewMemory(), "test-secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, "user", "right")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "user", "wrong")
	assert.Error(t, err)

	_, err = svc.Login(ctx, "nobody", "whatever")
	assert.Error(t, err)
}

func TestTraderFromToken_RejectsTampering(t *testing.T) {
	svc := NewAuthService(store.NewMemory(), "test-secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, "user", "pw")
	require.NoError(t, err)
	token, err := svc.Login(ctx, "user", "pw")
	require.NoError(t, err)

	// A token signed with a different secret is rejected.
	other := NewAuthService(store.NewMemory(), "other-secret")
	_, err = other.TraderFromToken(token)
	assert.Error(t, err)

	_, err = svc.TraderFromToken("not.a.jwt")
	assert.Error(t, err)
}
