package gate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amerfu/llmbudget/internal/config"
	"github.com/amerfu/llmbudget/internal/middleware"
)

const (
	ResolverHeader  = "header"
	ResolverAPIKey  = "api_key"
	ResolverJWT     = "jwt"
	ResolverDefault = "default"

	DefaultUserID = "default_user"
)

var DefaultUserHeaders = []string{"X-User-ID", "User-ID"}

// ErrNoIdentity is returned when no resolver in the chain matched.
var ErrNoIdentity = errors.New("no identity resolved")

// Identity is the budget owner of a request and the resolver that found it.
type Identity struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

// Resolver extracts a user id from request headers. An empty result
// passes the request on to the next resolver.
type Resolver interface {
	Name() string
	Resolve(h http.Header) string
}

// HeaderResolver reads the first non-empty header of Headers.
type HeaderResolver struct {
	Headers []string
}

func (r HeaderResolver) Name() string { return ResolverHeader }

func (r HeaderResolver) Resolve(h http.Header) string {
	for _, name := range r.Headers {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// APIKeyResolver maps a presented API key to "key_" plus its last 8
// characters. The master key never identifies a budget owner.
type APIKeyResolver struct {
	MasterKey string
}

func (r APIKeyResolver) Name() string { return ResolverAPIKey }

func (r APIKeyResolver) Resolve(h http.Header) string {
	key := middleware.APIKeyFromHeaders(h)
	if key == "" || key == r.MasterKey {
		return ""
	}
	if len(key) > 8 {
		key = key[len(key)-8:]
	}
	return "key_" + key
}

// JWTResolver uses the subject of an HS256 bearer token.
type JWTResolver struct {
	Secret []byte
}

func (r JWTResolver) Name() string { return ResolverJWT }

func (r JWTResolver) Resolve(h http.Header) string {
	raw := middleware.APIKeyFromHeaders(h)
	if raw == "" || strings.Count(raw, ".") != 2 {
		return ""
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return r.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return ""
	}
	return claims.Subject
}

// DefaultResolver always yields UserID.
type DefaultResolver struct {
	UserID string
}

func (r DefaultResolver) Name() string { return ResolverDefault }

func (r DefaultResolver) Resolve(http.Header) string { return r.UserID }

// Chain tries resolvers in order; the first non-empty id wins.
type Chain []Resolver

func (c Chain) Resolve(h http.Header) (Identity, error) {
	for _, r := range c {
		if id := r.Resolve(h); id != "" {
			return Identity{UserID: id, Source: r.Name()}, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

// NewChain builds the resolver chain named in cfg.Resolvers.
func NewChain(cfg config.IdentityConfig, auth config.AuthConfig) (Chain, error) {
	names := cfg.Resolvers
	if len(names) == 0 {
		names = []string{ResolverHeader, ResolverAPIKey, ResolverDefault}
	}

	chain := make(Chain, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ResolverHeader:
			headers := cfg.Headers
			if len(headers) == 0 {
				headers = DefaultUserHeaders
			}
			chain = append(chain, HeaderResolver{Headers: headers})
		case ResolverAPIKey:
			chain = append(chain, APIKeyResolver{MasterKey: auth.MasterKey})
		case ResolverJWT:
			if auth.JWTSecret == "" {
				return nil, fmt.Errorf("identity resolver %q requires auth.jwt_secret", ResolverJWT)
			}
			chain = append(chain, JWTResolver{Secret: []byte(auth.JWTSecret)})
		case ResolverDefault:
			user := cfg.DefaultUser
			if user == "" {
				user = DefaultUserID
			}
			chain = append(chain, DefaultResolver{UserID: user})
		default:
			return nil, fmt.Errorf("unknown identity resolver %q", name)
		}
	}
	return chain, nil
}
