package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// MinKeyBits is the smallest accepted RSA modulus
const MinKeyBits = 2048

// DefaultTrustWindow is how long a rotated-out key keeps verifying tokens
// unless WithTrustWindow says otherwise. It covers the default refresh token TTL.
const DefaultTrustWindow = 7 * 24 * time.Hour

// SigningKey is an RSA key pair identified by a key id
type SigningKey struct {
	ID        string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
	RetiredAt time.Time
}

// Public returns the verifying half of the key
func (k *SigningKey) Public() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// KeyManager owns the active signing key and the keys still trusted after rotation
type KeyManager struct {
	bits        int
	trustWindow time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	active  *SigningKey
	retired []*SigningKey
}

// KeyOption configures a KeyManager
type KeyOption func(*KeyManager)

// WithKeyClock overrides the key manager time source
func WithKeyClock(now func() time.Time) KeyOption {
	return func(m *KeyManager) { m.now = now }
}

// WithTrustWindow sets how long a rotated-out key keeps verifying tokens
func WithTrustWindow(d time.Duration) KeyOption {
	return func(m *KeyManager) { m.trustWindow = d }
}

// NewKeyManager generates a fresh active key of the given size
func NewKeyManager(bits int, opts ...KeyOption) (*KeyManager, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d is below the %d bit minimum", bits, MinKeyBits)
	}
	m := newKeyManager(bits, opts)
	key, err := m.generate()
	if err != nil {
		return nil, err
	}
	m.active = key
	return m, nil
}

// NewKeyManagerFromPEM uses a PEM encoded RSA private key as the active key
func NewKeyManagerFromPEM(pemData []byte, opts ...KeyOption) (*KeyManager, error) {
	priv, err := ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	bits := priv.N.BitLen()
	if bits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d is below the %d bit minimum", bits, MinKeyBits)
	}
	m := newKeyManager(bits, opts)
	key, err := m.wrap(priv)
	if err != nil {
		return nil, err
	}
	m.active = key
	return m, nil
}

func newKeyManager(bits int, opts []KeyOption) *KeyManager {
	m := &KeyManager{
		bits:        bits,
		trustWindow: DefaultTrustWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *KeyManager) generate() (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return m.wrap(priv)
}

func (m *KeyManager) wrap(priv *rsa.PrivateKey) (*SigningKey, error) {
	kid, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{ID: kid, Private: priv, CreatedAt: m.now()}, nil
}

// Active returns the current signing key
func (m *KeyManager) Active() *SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Rotate generates a new active key. The previous key stays trusted for the trust window.
func (m *KeyManager) Rotate() (*SigningKey, error) {
	key, err := m.generate()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	previous := m.active
	previous.RetiredAt = now
	m.retired = append(m.retired, previous)
	m.active = key
	m.pruneLocked(now)
	return key, nil
}

// PublicKey returns the verifying key for kid if it is still trusted
func (m *KeyManager) PublicKey(kid string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active.ID == kid {
		return m.active.Public(), true
	}
	now := m.now()
	for _, k := range m.retired {
		if k.ID == kid && now.Before(k.RetiredAt.Add(m.trustWindow)) {
			return k.Public(), true
		}
	}
	return nil, false
}

// TrustedKeys returns the active key followed by retired keys inside the trust window
func (m *KeyManager) TrustedKeys() []*SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := []*SigningKey{m.active}
	for i := len(m.retired) - 1; i >= 0; i-- {
		if now.Before(m.retired[i].RetiredAt.Add(m.trustWindow)) {
			out = append(out, m.retired[i])
		}
	}
	return out
}

// Prune forgets retired keys whose trust window has passed
func (m *KeyManager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.now())
}

func (m *KeyManager) pruneLocked(now time.Time) int {
	kept := m.retired[:0]
	for _, k := range m.retired {
		if now.Before(k.RetiredAt.Add(m.trustWindow)) {
			kept = append(kept, k)
		}
	}
	removed := len(m.retired) - len(kept)
	m.retired = kept
	return removed
}

// JWK is the public half of an RSA signing key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the document served at the JWKS endpoint
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns every trusted public key
func (m *KeyManager) JWKS() JWKSet {
	keys := m.TrustedKeys()
	set := JWKSet{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		pub := k.Public()
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Kid: k.ID,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set
}

// KeyID derives a stable identifier from the public key
func KeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key
func ParsePrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PEM block
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// GenerateKeyPEM creates a new RSA key of bits and returns it PEM encoded
func GenerateKeyPEM(bits int) ([]byte, string, error) {
	if bits < MinKeyBits {
		return nil, "", fmt.Errorf("rsa key size %d is below the %d bit minimum", bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate rsa key: %w", err)
	}
	kid, err := KeyID(&priv.PublicKey)
	if err != nil {
		return nil, "", err
	}
	data, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, "", err
	}
	return data, kid, nil
}
