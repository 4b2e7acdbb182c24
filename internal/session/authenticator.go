package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"ticketrelay/pkg/types"
)

// Claims is the handshake token payload.
type Claims struct {
	Kind        string `json:"kind"`
	GuestID     int64  `json:"guest_id,omitempty"`
	UserID      int64  `json:"user_id,omitempty"`
	WorkspaceID int64  `json:"workspace_id,omitempty"`
	Role        string `json:"role,omitempty"`
	AgentID     int64  `json:"agent_id,omitempty"`
	Name        string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into an identity.
func (c *Claims) Identity() (types.Identity, error) {
	var identity types.Identity
	switch types.IdentityKind(c.Kind) {
	case types.IdentityGuest:
		if c.GuestID <= 0 {
			return types.Identity{}, fmt.Errorf("%w: guest_id missing", ErrInvalidClaims)
		}
		identity = types.Guest(c.GuestID)
	case types.IdentityRegistered:
		if c.UserID <= 0 {
			return types.Identity{}, fmt.Errorf("%w: user_id missing", ErrInvalidClaims)
		}
		role := types.Role(c.Role)
		switch role {
		case types.RoleOwner, types.RoleAdmin, types.RoleAgent, types.RoleMember:
		case "":
			role = types.RoleMember
		default:
			return types.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidClaims, c.Role)
		}
		identity = types.Registered(c.UserID, c.WorkspaceID, role)
		identity.SupportAgentID = c.AgentID
	default:
		return types.Identity{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidClaims, c.Kind)
	}
	identity.Name = c.Name
	return identity, nil
}

// Authenticator verifies HS256 handshake tokens.
type Authenticator struct {
	secret []byte
	issuer string
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for tokens signed with secret.
// A non-empty issuer is enforced on every token.
func NewAuthenticator(secret, issuer string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Authenticate resolves the identity behind a handshake. Missing, expired
// or malformed credentials yield Anonymous; the connection is never refused.
func (a *Authenticator) Authenticate(r *http.Request) types.Identity {
	token := TokenFromRequest(r)
	if token == "" {
		return types.Anonymous()
	}

	identity, err := a.Verify(token)
	if IsExpired(err) {
		a.logger.Debug().
			Str("remote_addr", r.RemoteAddr).
			Msg("handshake token expired, continuing as anonymous")
		return types.Anonymous()
	}
	if err != nil {
		a.logger.Info().
			Str("type", "security").
			Str("remote_addr", r.RemoteAddr).
			Err(err).
			Msg("handshake credentials rejected, continuing as anonymous")
		return types.Anonymous()
	}
	return identity
}

// Verify checks the token signature and claims.
func (a *Authenticator) Verify(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return types.Identity{}, err
	}
	return claims.Identity()
}

// TokenFromRequest reads the token query parameter, falling back to an
// Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
