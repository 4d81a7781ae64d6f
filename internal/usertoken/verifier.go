package usertoken

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "tryon-auth"
	defaultAudience = "tryon-api"
	defaultLeeway   = 30 * time.Second
)

var (
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid access token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures access-token verification. Exactly one of JWKSURL or Secret
// must be set: JWKSURL selects RS256 with rotating keys, Secret selects HS256.
type Config struct {
	JWKSURL  string
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	JWKS     JWKSOptions
}

// Identity is what the try-on service learns about the caller.
type Identity struct {
	UserID string
	Email  string
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens issued by the auth provider.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte
	keys     *keySet
}

// NewVerifier creates a token verifier. In JWKS mode the key set is fetched eagerly
// so misconfiguration surfaces at startup.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	secret := strings.TrimSpace(cfg.Secret)
	switch {
	case jwksURL != "" && secret != "":
		return nil, errors.New("token verifier: set either jwksURL or secret, not both")
	case jwksURL != "":
		v.keys = newKeySet(jwksURL, cfg.JWKS)
		if err := v.keys.refresh(ctx); err != nil {
			return nil, err
		}
	case secret != "":
		if len(secret) < 32 {
			return nil, errors.New("token verifier: secret must be at least 32 bytes")
		}
		v.secret = []byte(secret)
	default:
		return nil, errors.New("token verifier requires jwksURL or secret")
	}
	return v, nil
}

// Verify validates the token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	c, err := v.parse(token)
	if err != nil && v.keys != nil && (errors.Is(err, errUnknownKey) || v.keys.expired()) {
		if refreshErr := v.keys.refresh(ctx); refreshErr != nil {
			return Identity{}, errors.Join(ErrInvalidToken, refreshErr)
		}
		c, err = v.parse(token)
	}
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(c.Subject)
	if sub == "" {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("token subject missing"))
	}
	return Identity{UserID: sub, Email: strings.TrimSpace(c.Email)}, nil
}

func (v *Verifier) parse(token string) (*claims, error) {
	c := &claims{}
	method := jwt.SigningMethodHS256.Alg()
	if v.keys != nil {
		method = jwt.SigningMethodRS256.Alg()
	}
	parsed, err := jwt.ParseWithClaims(token, c, v.keyFunc,
		jwt.WithValidMethods([]string{method}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token not valid")
	}
	return c, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if v.keys == nil {
		return v.secret, nil
	}
	kid, _ := t.Header["kid"].(string)
	key, ok := v.keys.lookup(strings.TrimSpace(kid))
	if !ok {
		return nil, errUnknownKey
	}
	return key, nil
}
