package push

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer produces ES256 provider assertions for APNs token auth.
type Signer struct {
	teamID string
	keyID  string
	key    *ecdsa.PrivateKey
}

// NewSigner builds a Signer from a parsed P-256 key.
func NewSigner(teamID, keyID string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{teamID: teamID, keyID: keyID, key: key}
}

// LoadSigner reads an Apple .p8 auth key from disk.
func LoadSigner(teamID, keyID, path string) (*Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apns auth key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse apns auth key: %w", err)
	}
	return NewSigner(teamID, keyID, key), nil
}

// Sign returns a bearer token with iss = team id and iat = now.
func (s *Signer) Sign(now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign apns assertion: %w", err)
	}
	return signed, nil
}
