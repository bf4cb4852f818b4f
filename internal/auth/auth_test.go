package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vineguard-gateway/internal/config"
)

func testManager(t *testing.T) *AuthManager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("merlot"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.AuthConfig{
		JWTSecret:     "test-secret",
		JWTExpiration: 5,
		Users: []config.User{
			{ID: 42, Username: "grower", PasswordHash: string(hash), Role: "manager", Active: true},
			{ID: 7, Username: "neighbour", PasswordHash: string(hash), Role: "viewer", SensorCount: 3, Active: true},
			{ID: 9, Username: "retired", PasswordHash: string(hash), Role: "viewer"},
		},
	}
	sim := config.SimulatorConfig{RoleAllotments: map[string]int{"manager": 12}, DefaultAllotment: 6}
	return NewAuthManager(cfg, sim.Allotment)
}

func TestGenerateAndValidateJWT(t *testing.T) {
	am := testManager(t)
	token, err := am.GenerateJWT(Owner{ID: 42, Username: "grower", Role: "manager"})
	require.NoError(t, err)

	claims, err := am.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "manager", claims.Role)

	o, err := am.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, 12, o.Allotment)
}

func TestValidateJWT_Rejects(t *testing.T) {
	am := testManager(t)

	_, err := am.ValidateJWT("not-a-token")
	assert.True(t, errors.Is(err, ErrUnauthorized))

	other := NewAuthManager(config.AuthConfig{JWTSecret: "other"}, nil)
	forged, err := other.GenerateJWT(Owner{ID: 42})
	require.NoError(t, err)
	_, err = am.ValidateJWT(forged)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	am.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := am.GenerateJWT(Owner{ID: 42})
	require.NoError(t, err)
	_, err = am.ValidateJWT(expired)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 42})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = am.ValidateJWT(unsigned)
	assert.Error(t, err)
}

func TestAuthenticate_InactiveOwner(t *testing.T) {
	am := testManager(t)
	token, err := am.GenerateJWT(Owner{ID: 9})
	require.NoError(t, err)
	_, err = am.Authenticate(token)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestAuthenticateUser(t *testing.T) {
	am := testManager(t)

	o, err := am.AuthenticateUser("neighbour", "merlot")
	require.NoError(t, err)
	assert.Equal(t, int64(7), o.ID)
	assert.Equal(t, 3, o.Allotment, "explicit sensor count wins")

	_, err = am.AuthenticateUser("grower", "shiraz")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	_, err = am.AuthenticateUser("nobody", "merlot")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	_, err = am.AuthenticateUser("retired", "merlot")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestActiveOwners(t *testing.T) {
	am := testManager(t)
	owners, err := am.ActiveOwners(context.Background())
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, int64(7), owners[0].ID)
	assert.Equal(t, int64(42), owners[1].ID)

	_, err = am.Owner(9)
	assert.True(t, errors.Is(err, ErrUnknownOwner))
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("cabernet")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("cabernet")))
}

func TestJWTMiddleware(t *testing.T) {
	am := testManager(t)
	var seen Owner
	h := am.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := am.GenerateJWT(Owner{ID: 42})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), seen.ID)

	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	assert.Equal(t, token, TokenFromRequest(req))
}
