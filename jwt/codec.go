package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the signature algorithm used for issued tokens.
type SigningMethod string

const (
	// MethodEd25519 signs tokens with an Ed25519 key pair.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs tokens with a shared HMAC-SHA256 secret.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrMalformed is returned when a token cannot be parsed at all.
	ErrMalformed = errors.New("token malformed")
	// ErrBadSignature is returned when a token's signature does not verify.
	ErrBadSignature = errors.New("token signature invalid")
	// ErrExpired is returned when a token is past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrWrongPurpose is returned when a purpose token is presented for a
	// different purpose than it was issued for.
	ErrWrongPurpose = errors.New("token purpose mismatch")
	// ErrUnknownKey is returned when a token names a key id that is not in
	// the verification key set.
	ErrUnknownKey = errors.New("token key id unknown")
)

// Config holds the signing configuration for a Codec.
//
// VerifyKeys allows more than one key to validate concurrently so that
// tokens signed under a previous key id remain valid during rotation.
// Issuance always uses PrivateKey under KeyID.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte

	// Now is the time source for issued-at/expiry math. Defaults to
	// time.Now.
	Now func() time.Time
}

// Identity is the subject material embedded into an access token.
type Identity struct {
	UserID         string
	Username       string
	Email          string
	Roles          []string
	Permissions    []string
	OrganizationID string
	BranchIDs      []string
}

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	Username       string   `json:"username,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Permissions    []string `json:"perms,omitempty"`
	OrganizationID string   `json:"org,omitempty"`
	BranchIDs      []string `json:"branches,omitempty"`
	jwt.RegisteredClaims
}

// PurposeClaims is the claim set carried by purpose tokens. Data is an
// immutable snapshot taken at issuance (for example the email address a
// reset was requested for) so the token cannot be replayed against
// state that changed afterwards.
type PurposeClaims struct {
	Purpose string            `json:"purpose"`
	Data    map[string]string `json:"data,omitempty"`
	jwt.RegisteredClaims
}

// Codec issues and validates signed tokens. It is immutable after
// construction and safe for concurrent use.
type Codec struct {
	config Config
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("jwt: invalid access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt: invalid leeway")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("jwt: hs256 requires a private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("jwt: ed25519 requires a public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("jwt: verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("jwt: invalid verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("jwt: unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("jwt: KeyID is not present in VerifyKeys")
		}
	}

	return &Codec{config: cfg}, nil
}

// AccessTTL reports the configured access-token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.config.AccessTTL
}

// Issue creates a signed access token for identity with a freshly
// generated unique token id (jti). A ttl <= 0 falls back to the
// configured AccessTTL.
func (c *Codec) Issue(identity Identity, ttl time.Duration) (token string, tokenID string, expiresAt time.Time, err error) {
	if identity.UserID == "" {
		return "", "", time.Time{}, errors.New("jwt: empty subject")
	}
	if ttl <= 0 {
		ttl = c.config.AccessTTL
	}

	now := c.config.Now()
	tokenID = uuid.NewString()
	expiresAt = now.Add(ttl)

	claims := AccessClaims{
		Username:       identity.Username,
		Email:          identity.Email,
		Roles:          identity.Roles,
		Permissions:    identity.Permissions,
		OrganizationID: identity.OrganizationID,
		BranchIDs:      identity.BranchIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ID:        tokenID,
			Issuer:    c.config.Issuer,
			Audience:  c.audience(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err = c.sign(&claims)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, tokenID, expiresAt, nil
}

// Validate verifies the token signature and, when checkExpiry is true,
// its expiry. Revocation is not checked here; that is the caller's
// responsibility.
func (c *Codec) Validate(token string, checkExpiry bool) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(token, claims, checkExpiry); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssuePurpose creates a narrow-scope token bound to a single purpose,
// carrying only the user id, the purpose, and a copy of data.
func (c *Codec) IssuePurpose(userID, purpose string, ttl time.Duration, data map[string]string) (string, error) {
	if userID == "" || purpose == "" {
		return "", errors.New("jwt: purpose token requires user id and purpose")
	}
	if ttl <= 0 {
		return "", errors.New("jwt: purpose token requires a positive ttl")
	}

	now := c.config.Now()
	claims := PurposeClaims{
		Purpose: purpose,
		Data:    data,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			Issuer:    c.config.Issuer,
			Audience:  c.audience(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return c.sign(&claims)
}

// ValidatePurpose verifies a purpose token and rejects it when it was
// issued for a different purpose.
func (c *Codec) ValidatePurpose(token, purpose string) (*PurposeClaims, error) {
	claims := &PurposeClaims{}
	if err := c.parse(token, claims, true); err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	var (
		tok *jwt.Token
		key any
	)
	switch c.config.SigningMethod {
	case MethodHS256:
		tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		key = c.config.PrivateKey
	case MethodEd25519:
		priv, err := parseEdPrivateKey(c.config.PrivateKey)
		if err != nil {
			return "", err
		}
		tok = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		key = priv
	default:
		return "", errors.New("jwt: unsupported signing method")
	}
	if c.config.KeyID != "" {
		tok.Header["kid"] = c.config.KeyID
	}
	return tok.SignedString(key)
}

func (c *Codec) parse(token string, claims jwt.Claims, checkExpiry bool) error {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(c.config.Now),
		jwt.WithLeeway(c.config.Leeway),
	}
	switch c.config.SigningMethod {
	case MethodHS256:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	case MethodEd25519:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	}
	if c.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.config.Issuer))
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	_, err := jwt.ParseWithClaims(token, claims, c.verifyKey, opts...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, ErrUnknownKey):
		return ErrUnknownKey
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// verifyKey resolves the verification key for a parsed token header,
// honouring the kid when a verify key set is configured.
func (c *Codec) verifyKey(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)

	raw := c.defaultVerifyMaterial()
	if len(c.config.VerifyKeys) > 0 && kid != "" {
		keyed, ok := c.config.VerifyKeys[kid]
		if !ok {
			return nil, ErrUnknownKey
		}
		raw = keyed
	}
	if len(raw) == 0 {
		return nil, ErrUnknownKey
	}

	if c.config.SigningMethod == MethodHS256 {
		return raw, nil
	}
	return parseEdPublicKey(raw)
}

func (c *Codec) defaultVerifyMaterial() []byte {
	if c.config.SigningMethod == MethodHS256 {
		return c.config.PrivateKey
	}
	if len(c.config.PublicKey) > 0 {
		return c.config.PublicKey
	}
	if c.config.KeyID != "" {
		return c.config.VerifyKeys[c.config.KeyID]
	}
	return nil
}

func (c *Codec) audience() jwt.ClaimStrings {
	if c.config.Audience == "" {
		return nil
	}
	return jwt.ClaimStrings{c.config.Audience}
}

func parseEdPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("jwt: invalid ed25519 private key size")
	}
	return ed25519.PrivateKey(raw), nil
}

func parseEdPublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("jwt: invalid ed25519 public key size")
	}
	return ed25519.PublicKey(raw), nil
}
