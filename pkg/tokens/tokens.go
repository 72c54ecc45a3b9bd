package tokens

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// Token type discriminators carried in the payload so a session token can
// never be replayed against a management endpoint or vice versa.
const (
	TypeSession    = "session"
	TypeManagement = "management"
)

var (
	// ErrWrongTokenType is returned when a token parses and verifies but
	// carries the wrong tokenType for the endpoint.
	ErrWrongTokenType = errors.New("wrong token type")
)

// SessionToken is the signed payload binding a connection to one agent and
// one server instance. Tokens do not survive a server restart because the
// server ID is regenerated on boot.
type SessionToken struct {
	ServerID  string `json:"serverID"`
	UUID      string `json:"uuid"`
	Timestamp int64  `json:"timestamp"` // issue time, unix milliseconds
	ExpiresIn int64  `json:"expires"`   // lifetime, milliseconds
	TokenType string `json:"tokenType"`
}

// Valid implements jwt.Claims. Expiry is deliberately not enforced here:
// the session manager owns expiry via its sweep, and a token is only ever
// honored while a matching live session exists.
func (t SessionToken) Valid() error {
	if t.TokenType != TypeSession {
		return ErrWrongTokenType
	}
	if t.ServerID == "" || t.UUID == "" {
		return errors.New("session token missing identity fields")
	}
	return nil
}

// Expired reports whether the token's lifetime has elapsed as of now.
func (t SessionToken) Expired(now time.Time) bool {
	return now.UnixMilli()-t.Timestamp >= t.ExpiresIn
}

// Matches reports field-for-field equality with another token. This is the
// check that prevents a stale token from a previous issuance being honored.
func (t SessionToken) Matches(other SessionToken) bool {
	return t.ServerID == other.ServerID &&
		t.UUID == other.UUID &&
		t.Timestamp == other.Timestamp &&
		t.ExpiresIn == other.ExpiresIn
}

// ManagementToken is the administrative credential. It is bound to the
// requesting IP rather than an agent identity.
type ManagementToken struct {
	ClientIP  string `json:"clientIP"`
	Timestamp int64  `json:"timestamp"`
	ExpiresIn int64  `json:"expires"`
	TokenType string `json:"tokenType"`
}

// Valid implements jwt.Claims.
func (t ManagementToken) Valid() error {
	if t.TokenType != TypeManagement {
		return ErrWrongTokenType
	}
	if t.ClientIP == "" {
		return errors.New("management token missing client IP")
	}
	return nil
}

// Expired reports whether the token's lifetime has elapsed as of now.
func (t ManagementToken) Expired(now time.Time) bool {
	return now.UnixMilli()-t.Timestamp >= t.ExpiresIn
}

// Authority signs and verifies tokens with the server's ECDSA P-384 key
// pair. The public key is distributable to agents; only the server holds
// the private key.
type Authority struct {
	private  *ecdsa.PrivateKey
	public   *ecdsa.PublicKey
	serverID string
}

// NewAuthority builds an Authority from PEM-encoded keys.
func NewAuthority(privatePEM, publicPEM []byte, serverID string) (*Authority, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse EC private key: %w", err)
	}

	block, _ = pem.Decode(publicPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an ECDSA key")
	}

	if priv.Curve != elliptic.P384() {
		return nil, errors.New("signing key must use curve P-384")
	}

	return &Authority{private: priv, public: pub, serverID: serverID}, nil
}

// LoadAuthority reads the key pair from disk and builds an Authority.
func LoadAuthority(privatePath, publicPath, serverID string) (*Authority, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return NewAuthority(privPEM, pubPEM, serverID)
}

// GenerateKeyPair creates a fresh P-384 key pair and returns it PEM encoded
// (private first). Used on first boot when no keys are configured yet.
func GenerateKeyPair() (privatePEM, publicPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate P-384 key: %w", err)
	}

	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// ServerID returns the server instance ID baked into issued session tokens.
func (a *Authority) ServerID() string {
	return a.serverID
}

// IssueSession creates and signs a session token for the given agent UUID.
func (a *Authority) IssueSession(uuid string, lifetime time.Duration) (SessionToken, string, error) {
	token := SessionToken{
		ServerID:  a.serverID,
		UUID:      uuid,
		Timestamp: time.Now().UnixMilli(),
		ExpiresIn: lifetime.Milliseconds(),
		TokenType: TypeSession,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES384, token).SignedString(a.private)
	if err != nil {
		return SessionToken{}, "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, signed, nil
}

// IssueManagement creates and signs a management token bound to clientIP.
func (a *Authority) IssueManagement(clientIP string, lifetime time.Duration) (ManagementToken, string, error) {
	token := ManagementToken{
		ClientIP:  clientIP,
		Timestamp: time.Now().UnixMilli(),
		ExpiresIn: lifetime.Milliseconds(),
		TokenType: TypeManagement,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES384, token).SignedString(a.private)
	if err != nil {
		return ManagementToken{}, "", fmt.Errorf("failed to sign management token: %w", err)
	}
	return token, signed, nil
}

// ParseSession verifies the signature on a compact JWS and returns the
// session token payload.
func (a *Authority) ParseSession(raw string) (*SessionToken, error) {
	claims := &SessionToken{}
	if err := a.parse(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseManagement verifies the signature on a compact JWS and returns the
// management token payload.
func (a *Authority) ParseManagement(raw string) (*ManagementToken, error) {
	claims := &ManagementToken{}
	if err := a.parse(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (a *Authority) parse(raw string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.public, nil
	})
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}
	if !parsed.Valid {
		return errors.New("token is not valid")
	}
	return nil
}
