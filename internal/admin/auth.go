package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/llm-meter-gateway/internal/codec"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/server"
)

// Claims are the admin token claims. Only registered claims are used.
type Claims struct {
	jwt.RegisteredClaims
}

type claimsKey struct{}

// ClaimsFromContext returns the verified claims of the admin request.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Authenticator verifies HS256 admin bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("admin jwt secret must be at least 32 bytes")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Sign issues a token; keygen and tests use it.
func (a *Authenticator) Sign(claims Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid admin token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			codec.WriteError(w, domain.ErrAuthentication("missing admin bearer token"), codec.APITypeOpenAI)
			return
		}

		claims, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			server.AddError(r.Context(), err)
			codec.WriteError(w, domain.ErrAuthentication("invalid admin token"), codec.APITypeOpenAI)
			return
		}

		server.AddLogField(r.Context(), "admin_subject", claims.Subject)
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
