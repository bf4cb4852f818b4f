// internal/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"vineguard-gateway/internal/config"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknownOwner = errors.New("unknown owner")
)

const (
	issuer   = "vineguard-gateway"
	hashCost = 12
)

// Owner is an account whose sensors the gateway simulates.
type Owner struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Allotment int    `json:"allotment"`
}

// AllotmentFunc maps a role and an explicit sensor count to a sensor allotment.
type AllotmentFunc func(role string, sensorCount int) int

// AuthManager handles authentication and the owner directory
type AuthManager struct {
	config config.AuthConfig
	allot  AllotmentFunc
	now    func() time.Time
}

// Claims represents JWT claims
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// NewAuthManager creates a new authentication manager. allot may be nil, in
// which case owners get an allotment of their explicit sensor count.
func NewAuthManager(cfg config.AuthConfig, allot AllotmentFunc) *AuthManager {
	if allot == nil {
		allot = func(_ string, n int) int { return n }
	}
	return &AuthManager{config: cfg, allot: allot, now: time.Now}
}

// GenerateJWT creates a new JWT token for an owner
func (am *AuthManager) GenerateJWT(o Owner) (string, error) {
	now := am.now()
	minutes := am.config.JWTExpiration
	if minutes <= 0 {
		minutes = 60
	}
	claims := &Claims{
		UserID:   o.ID,
		Username: o.Username,
		Role:     o.Role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(time.Duration(minutes) * time.Minute).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
			Subject:   fmt.Sprintf("%d", o.ID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateJWT validates the JWT token
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// Authenticate resolves a token to an active owner.
func (am *AuthManager) Authenticate(tokenString string) (Owner, error) {
	claims, err := am.ValidateJWT(tokenString)
	if err != nil {
		return Owner{}, err
	}
	o, err := am.Owner(claims.UserID)
	if err != nil {
		return Owner{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return o, nil
}

// AuthenticateUser validates username and password
func (am *AuthManager) AuthenticateUser(username, password string) (Owner, error) {
	for _, user := range am.config.Users {
		if user.Username != username {
			continue
		}
		if !user.Active {
			return Owner{}, fmt.Errorf("%w: account disabled", ErrUnauthorized)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return Owner{}, fmt.Errorf("%w: invalid password", ErrUnauthorized)
		}
		return am.owner(user), nil
	}
	return Owner{}, fmt.Errorf("%w: user not found", ErrUnauthorized)
}

// Owner looks up an active owner by id.
func (am *AuthManager) Owner(id int64) (Owner, error) {
	for _, user := range am.config.Users {
		if user.ID == id && user.Active {
			return am.owner(user), nil
		}
	}
	return Owner{}, fmt.Errorf("%w: %d", ErrUnknownOwner, id)
}

// ActiveOwners lists the owners the scheduler generates readings for, by id.
func (am *AuthManager) ActiveOwners(_ context.Context) ([]Owner, error) {
	out := make([]Owner, 0, len(am.config.Users))
	for _, user := range am.config.Users {
		if user.Active {
			out = append(out, am.owner(user))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (am *AuthManager) owner(u config.User) Owner {
	return Owner{ID: u.ID, Username: u.Username, Role: u.Role, Allotment: am.allot(u.Role, u.SensorCount)}
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	return string(bytes), err
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithOwner stores o in ctx.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ctxKey{}, o)
}

// OwnerFromContext returns the owner stored by JWTMiddleware.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ctxKey{}).(Owner)
	return o, ok
}

// JWTMiddleware rejects requests without a valid token for an active owner.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		o, err := am.Authenticate(token)
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), o)))
	})
}
