package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrMissingToken      = errors.New("missing token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrMissingClaim      = errors.New("missing required claim")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// DefaultRequiredScope is the permission needed to exchange messages.
const DefaultRequiredScope = "read:messages"

// VerifierConfig selects the key material and claims a token must carry.
// Exactly one of Secret (HS256) or PublicKeyPEM (RS256) is used; the public
// key wins when both are set.
type VerifierConfig struct {
	Secret        []byte
	PublicKeyPEM  []byte
	Issuer        string
	Audience      string
	RequiredScope string
}

// Principal is the verified identity behind a token.
type Principal struct {
	UserID string
	Scopes []string
}

// TokenVerifier validates bearer credentials.
type TokenVerifier interface {
	Verify(tokenString string) (Principal, error)
}

// JWTVerifier implements TokenVerifier for HS256 or RS256 signed JWTs.
type JWTVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	cfg       VerifierConfig
}

// NewJWTVerifier creates a verifier from cfg.
func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{secret: cfg.Secret, cfg: cfg}
	if len(cfg.PublicKeyPEM) > 0 {
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		v.publicKey = key
	} else if len(cfg.Secret) == 0 {
		return nil, errors.New("verifier needs a secret or a public key")
	}
	return v, nil
}

func (v *JWTVerifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.publicKey != nil {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	return opts
}

// Verify validates the token and returns the principal from the "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if v.publicKey != nil {
			return v.publicKey, nil
		}
		return v.secret, nil
	}, v.parserOptions()...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	p := Principal{UserID: sub, Scopes: scopesFromClaims(claims)}
	if v.cfg.RequiredScope != "" && !p.HasScope(v.cfg.RequiredScope) {
		return Principal{}, fmt.Errorf("%w: %s", ErrInsufficientScope, v.cfg.RequiredScope)
	}
	return p, nil
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// scopesFromClaims merges the space separated "scope" claim and the
// "permissions" array issued by RBAC-enabled issuers.
func scopesFromClaims(claims jwt.MapClaims) []string {
	var scopes []string
	if s, ok := claims["scope"].(string); ok {
		scopes = append(scopes, strings.Fields(s)...)
	}
	if perms, ok := claims["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}

// Generate signs an HS256 token for principalID. It is meant for local
// development and tests; production tokens come from the issuer.
func (v *JWTVerifier) Generate(principalID string, scopes []string, expiresIn time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("generate token: no signing secret")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   principalID,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	if v.cfg.Issuer != "" {
		claims["iss"] = v.cfg.Issuer
	}
	if v.cfg.Audience != "" {
		claims["aud"] = v.cfg.Audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
