package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/memory"
	"github.com/cloudzz-dev/cldzshop/internal/server/models"
)

func newService(t *testing.T) (*Service, *memory.Backend, *clockwork.FakeClock) {
	t.Helper()
	mem := memory.New()
	clock := clockwork.NewFakeClock()
	return NewService(mem, mem, time.Hour, clock, zerolog.Nop()), mem, clock
}

func TestRegisterThenResolve(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	grant, err := svc.Register(ctx, " Ada@Example.com ", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.Equal(t, "ada@example.com", grant.Identity.Email)
	assert.Equal(t, "ada", grant.Identity.Username)
	assert.False(t, grant.Identity.HasProfile)

	id, err := svc.Resolve(ctx, grant.Token)
	require.NoError(t, err)
	assert.Equal(t, grant.Identity.UserID, id.UserID)
}

func TestRegisterValidation(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "secret1")
	assert.ErrorIs(t, err, ErrInvalidEmail)
	_, err = svc.Register(ctx, "ada@example.com", "123")
	assert.ErrorIs(t, err, ErrWeakPassword)
	assert.Equal(t, 0, mem.Calls("CreateUser"))

	_, err = svc.Register(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "ADA@example.com", "secret2")
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
}

func TestSignIn(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()
	reg, err := svc.Register(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	mem.PutProfile(models.Profile{UserID: reg.Identity.UserID, Username: "lovelace", IsAdmin: true})

	grant, err := svc.SignIn(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, reg.Token, grant.Token)
	assert.Equal(t, "lovelace", grant.Identity.Username)
	assert.True(t, grant.Identity.HasProfile)
	assert.True(t, grant.Identity.IsAdmin)

	_, err = svc.SignIn(ctx, "ada@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveRejectsMissingAndExpired(t *testing.T) {
	svc, mem, clock := newService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrAuthRequired)
	_, err = svc.Resolve(ctx, "unknown")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, apperr.CodeUnauthenticated, apperr.CodeOf(err))

	grant, err := svc.Register(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.Resolve(ctx, grant.Token)
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 1, mem.Calls("DeleteSession"))
}

func TestSignOutNotifiesListeners(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []Change
	unsubscribe := svc.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	grant, err := svc.Register(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, svc.SignOut(ctx, grant.Token))
	require.NoError(t, svc.SignOut(ctx, grant.Token))

	_, err = svc.Resolve(ctx, grant.Token)
	assert.ErrorIs(t, err, ErrAuthRequired)

	unsubscribe()
	_, err = svc.SignIn(ctx, "ada@example.com", "secret1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, SignedIn, changes[0].Kind)
	assert.Equal(t, SignedOut, changes[1].Kind)
	assert.Equal(t, grant.Identity.UserID, changes[1].UserID)
}
