package canon

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// GenerateKeyPair returns a freshly minted PEM-encoded key pair (or a raw
// secret for HMAC algorithms) suitable for signing under alg. It backs the
// test-build-only /admin/debug/keys endpoint and conformance self-check.
func GenerateKeyPair(alg Algorithm) (privPEM, pubPEM []byte, err error) {
	switch alg {
	case ES256:
		return generateEC(elliptic.P256())
	case ES384:
		return generateEC(elliptic.P384())
	case ES512:
		return generateEC(elliptic.P521())
	case RS256, RS384, RS512:
		return generateRSA()
	case EdDSA:
		return generateEd25519()
	case HS256:
		return generateSecret(32)
	case HS512:
		return generateSecret(64)
	default:
		return nil, nil, fmt.Errorf("canon: unsupported algorithm %q", alg)
	}
}

func generateEC(curve elliptic.Curve) ([]byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return pemEncode("PRIVATE KEY", privBytes), pemEncode("PUBLIC KEY", pubBytes), nil
}

func generateRSA() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return pemEncode("PRIVATE KEY", privBytes), pemEncode("PUBLIC KEY", pubBytes), nil
}

func generateEd25519() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return pemEncode("PRIVATE KEY", privBytes), pemEncode("PUBLIC KEY", pubBytes), nil
}

func generateSecret(n int) ([]byte, []byte, error) {
	secret := make([]byte, n)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, err
	}
	return secret, nil, nil
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
