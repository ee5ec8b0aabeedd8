package keystore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"consultancy-chat/internal/crypto"
	myMiddleware "consultancy-chat/internal/middleware"
	"consultancy-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *user.MemoryRepository) {
	t.Helper()
	repo := user.NewMemoryRepository()
	svc := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var n atomic.Int64
	svc.generate = func() (crypto.KeyPair, error) {
		i := n.Add(1)
		return crypto.KeyPair{
			PublicKey:  fmt.Sprintf("pub-%d", i),
			PrivateKey: fmt.Sprintf("priv-%d", i),
		}, nil
	}
	return svc, repo
}

func mustUser(t *testing.T, repo *user.MemoryRepository, name, company string) *user.User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), &user.User{Username: name, CompanyID: company})
	require.NoError(t, err)
	return u
}

func TestService_AbsentKeysAreNotAnError(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	u := mustUser(t, repo, "a", "acme")

	_, ok, err := svc.PublicKeyOf(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = svc.PrivateKeyOf(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := svc.PublicKeysOf(ctx, []int64{u.ID})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestService_GenerateOncePerUser(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	u := mustUser(t, repo, "a", "acme")

	pub, created, err := svc.Generate(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "pub-1", pub)

	again, created, err := svc.Generate(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pub, again)

	priv, ok, err := svc.PrivateKeyOf(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "priv-1", priv)
}

func TestService_GenerateConcurrentCallsAgree(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	u := mustUser(t, repo, "a", "acme")

	const callers = 16
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pub, _, err := svc.Generate(ctx, u.ID)
			assert.NoError(t, err)
			results[i] = pub
		}(i)
	}
	wg.Wait()

	for _, pub := range results {
		assert.Equal(t, results[0], pub)
	}
}

func TestService_GenerateUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Generate(context.Background(), 404)
	assert.ErrorIs(t, err, user.ErrUserNotFound)
}

func TestService_GenerateFailure(t *testing.T) {
	svc, repo := newTestService(t)
	u := mustUser(t, repo, "a", "acme")
	boom := errors.New("entropy exhausted")
	svc.generate = func() (crypto.KeyPair, error) { return crypto.KeyPair{}, boom }

	_, _, err := svc.Generate(context.Background(), u.ID)
	assert.ErrorIs(t, err, boom)
}

func TestService_RealKeysAreDistinctPerUser(t *testing.T) {
	ctx := context.Background()
	repo := user.NewMemoryRepository()
	svc := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a := mustUser(t, repo, "a", "acme")
	b := mustUser(t, repo, "b", "acme")

	pubA, _, err := svc.Generate(ctx, a.ID)
	require.NoError(t, err)
	pubB, _, err := svc.Generate(ctx, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pubA, pubB)

	_, err = crypto.ParsePublicKey(pubA)
	assert.NoError(t, err)
}

func TestHandler_PublicKeyIsTenantScoped(t *testing.T) {
	svc, repo := newTestService(t)
	owner := mustUser(t, repo, "owner", "acme")
	stranger := mustUser(t, repo, "stranger", "globex")
	_, _, err := svc.Generate(context.Background(), owner.ID)
	require.NoError(t, err)

	h := NewHandler(svc, repo)
	r := chi.NewRouter()
	r.Get("/api/users/{id}/public-key", h.GetPublicKey)

	request := func(caller *user.User) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/users/%d/public-key", owner.ID), nil)
		req = req.WithContext(myMiddleware.WithIdentity(req.Context(), myMiddleware.Identity{
			UserID:    caller.ID,
			CompanyID: caller.CompanyID,
		}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, request(owner).Code)
	assert.Equal(t, http.StatusNotFound, request(stranger).Code)
}

type brokenDirectory struct{}

func (brokenDirectory) GetUserByID(context.Context, int64) (*user.User, error) {
	return nil, errors.New("connection reset")
}

func TestHandler_PublicKeyStatusByLookupError(t *testing.T) {
	svc, repo := newTestService(t)
	caller := mustUser(t, repo, "caller", "acme")

	tests := []struct {
		name      string
		directory Directory
		target    string
		code      int
	}{
		{name: "unknown user", directory: repo, target: "/api/users/999/public-key", code: http.StatusNotFound},
		{name: "directory failure", directory: brokenDirectory{}, target: "/api/users/1/public-key", code: http.StatusInternalServerError},
		{name: "malformed id", directory: repo, target: "/api/users/abc/public-key", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/users/{id}/public-key", NewHandler(svc, tt.directory).GetPublicKey)

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req = req.WithContext(myMiddleware.WithIdentity(req.Context(), myMiddleware.Identity{
				UserID:    caller.ID,
				CompanyID: caller.CompanyID,
			}))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
