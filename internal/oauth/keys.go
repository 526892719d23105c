package oauth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// KeyManager holds the parsed signing key for the process lifetime. The key
// file is read and parsed exactly once; issuance and validation reuse the
// cached key and derived kid.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// LoadKeyManagerFromEnv loads an RSA private key from OAUTH_SIGNING_KEY_PEM
// or the file at OAUTH_SIGNING_KEY_PATH.
func LoadKeyManagerFromEnv() (*KeyManager, error) {
	pemValue := os.Getenv("OAUTH_SIGNING_KEY_PEM")
	if pemValue == "" {
		if path := os.Getenv("OAUTH_SIGNING_KEY_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read OAUTH_SIGNING_KEY_PATH: %w", err)
			}
			pemValue = string(data)
		}
	}
	if pemValue == "" {
		return nil, fmt.Errorf("OAUTH_SIGNING_KEY_PEM or OAUTH_SIGNING_KEY_PATH is required")
	}
	// Secrets managers often deliver PEM with escaped newlines.
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	return NewKeyManager(pemValue)
}

// NewKeyManager parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func NewKeyManager(pemValue string) (*KeyManager, error) {
	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := parsed.(*rsa.PrivateKey); ok {
			key = rsaKey
		} else {
			return nil, fmt.Errorf("private key is not RSA")
		}
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}

	pub := &key.PublicKey
	kid, err := computeKID(pub)
	if err != nil {
		return nil, err
	}

	return &KeyManager{
		privateKey: key,
		publicKey:  pub,
		kid:        kid,
	}, nil
}

func (k *KeyManager) PrivateKey() *rsa.PrivateKey {
	return k.privateKey
}

func (k *KeyManager) PublicKey() *rsa.PublicKey {
	return k.publicKey
}

func (k *KeyManager) KID() string {
	return k.kid
}

// Close drops the key material references. Called on process shutdown.
func (k *KeyManager) Close() {
	k.privateKey = nil
	k.publicKey = nil
}

// JWKS renders the public key as a JSON Web Key Set document.
func (k *KeyManager) JWKS() map[string]interface{} {
	n := base64.RawURLEncoding.EncodeToString(k.publicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(bigIntBytes(big.NewInt(int64(k.publicKey.E))))
	return map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"use": "sig",
				"kid": k.kid,
				"alg": "RS256",
				"n":   n,
				"e":   e,
			},
		},
	}
}

// kid = base64url(SHA-256(DER-encoded public key)).
func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func bigIntBytes(value *big.Int) []byte {
	if value == nil {
		return []byte{0}
	}
	return value.Bytes()
}
