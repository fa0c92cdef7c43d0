// Package canon implements deterministic JSON canonicalization, hashing,
// and detached signatures for the Open Skills Protocol, following the
// canonicalization principles of RFC 8785 (JSON Canonicalization Scheme).
package canon

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is one of the nine signature algorithms the registry plane
// and request-authentication plane accept.
type Algorithm string

const (
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	EdDSA Algorithm = "EdDSA"
	HS256 Algorithm = "HS256"
	HS512 Algorithm = "HS512"
)

// ValidAlgorithm reports whether alg is one of the nine supported values.
func ValidAlgorithm(alg string) bool {
	switch Algorithm(alg) {
	case ES256, ES384, ES512, RS256, RS384, RS512, EdDSA, HS256, HS512:
		return true
	default:
		return false
	}
}

// Canonicalize returns the canonical byte representation of v: object keys
// sorted by Unicode code-point order, no insignificant whitespace, UTF-8
// strings with non-ASCII left unescaped, and numbers in shortest standard
// form without exponent notation. v must be built from the JSON-compatible
// types produced by encoding/json (map[string]interface{}, []interface{},
// string, bool, nil, float64, json.Number, or Go integer types).
func Canonicalize(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		encodeString(buf, val)
		return nil
	case json.Number:
		return encodeNumberString(buf, val.String())
	case float64:
		return encodeFloat(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	default:
		// Fall back to round-tripping through encoding/json so callers may
		// pass structs; this keeps the same canonical form as if the
		// struct had been marshaled and re-decoded with UseNumber.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canon: unsupported type %T: %w", v, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canon: re-decode %T: %w", v, err)
		}
		return encodeValue(buf, generic)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // UTF-8 byte order == Unicode code-point order for valid UTF-8.

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canon: NaN/Infinity are not representable in JSON")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func encodeNumberString(buf *bytes.Buffer, s string) error {
	if s == "" {
		return fmt.Errorf("canon: empty number literal")
	}
	// json.Number already holds the exact literal text produced by the
	// decoder; integers pass through untouched, decimals are reformatted
	// through encodeFloat to strip any exponent notation.
	if iv, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(iv, 10))
		return nil
	}
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canon: invalid number literal %q: %w", s, err)
	}
	return encodeFloat(buf, fv)
}

// Hash returns the hex digest of the canonical bytes of v under alg.
// Only "sha256" is supported, matching the registry's content_hash shape.
func Hash(v interface{}, alg string) (string, error) {
	if alg == "" {
		alg = "sha256"
	}
	if alg != "sha256" {
		return "", fmt.Errorf("canon: unsupported hash algorithm %q", alg)
	}
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Sign returns a base64-encoded detached signature over the canonical bytes
// of v. key is a PEM-encoded private key for asymmetric algorithms, or the
// raw secret for HS256/HS512.
func Sign(v interface{}, key []byte, alg Algorithm) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}

	switch alg {
	case HS256, HS512:
		mac := hmacFor(alg, key)
		mac.Write(canonical)
		return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil

	case ES256, ES384, ES512:
		priv, err := jwt.ParseECPrivateKeyFromPEM(key)
		if err != nil {
			return "", fmt.Errorf("canon: parse EC private key: %w", err)
		}
		digest := digestFor(alg, canonical)
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
		if err != nil {
			return "", fmt.Errorf("canon: ecdsa sign: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig), nil

	case RS256, RS384, RS512:
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(key)
		if err != nil {
			return "", fmt.Errorf("canon: parse RSA private key: %w", err)
		}
		digest := digestFor(alg, canonical)
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, hashFuncFor(alg), digest)
		if err != nil {
			return "", fmt.Errorf("canon: rsa sign: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig), nil

	case EdDSA:
		priv, err := jwt.ParseEdPrivateKeyFromPEM(key)
		if err != nil {
			return "", fmt.Errorf("canon: parse Ed25519 private key: %w", err)
		}
		edPriv, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return "", fmt.Errorf("canon: key is not an Ed25519 private key")
		}
		sig := ed25519.Sign(edPriv, canonical)
		return base64.StdEncoding.EncodeToString(sig), nil

	default:
		return "", fmt.Errorf("canon: unsupported algorithm %q", alg)
	}
}

// Verify reports whether sigB64 is a valid detached signature over the
// canonical bytes of v under key/alg. It never panics or returns an error;
// any malformed input, wrong key type, or cryptographic mismatch yields
// false.
func Verify(v interface{}, sigB64 string, key []byte, alg Algorithm) bool {
	defer func() { recover() }() //nolint:errcheck // fail closed on any decoding panic

	canonical, err := Canonicalize(v)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	switch alg {
	case HS256, HS512:
		mac := hmacFor(alg, key)
		mac.Write(canonical)
		return hmac.Equal(mac.Sum(nil), sig)

	case ES256, ES384, ES512:
		pub, err := jwt.ParseECPublicKeyFromPEM(key)
		if err != nil {
			return false
		}
		digest := digestFor(alg, canonical)
		return ecdsa.VerifyASN1(pub, digest, sig)

	case RS256, RS384, RS512:
		pub, err := jwt.ParseRSAPublicKeyFromPEM(key)
		if err != nil {
			return false
		}
		digest := digestFor(alg, canonical)
		return rsa.VerifyPKCS1v15(pub, hashFuncFor(alg), digest, sig) == nil

	case EdDSA:
		pub, err := jwt.ParseEdPublicKeyFromPEM(key)
		if err != nil {
			return false
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false
		}
		return ed25519.Verify(edPub, canonical, sig)

	default:
		return false
	}
}

func hmacFor(alg Algorithm, key []byte) interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} {
	if alg == HS512 {
		return hmac.New(sha512.New, key)
	}
	return hmac.New(sha256.New, key)
}

func digestFor(alg Algorithm, data []byte) []byte {
	switch alg {
	case ES384, RS384:
		sum := sha512.Sum384(data)
		return sum[:]
	case ES512, RS512:
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

func hashFuncFor(alg Algorithm) crypto.Hash {
	switch alg {
	case RS384:
		return crypto.SHA384
	case RS512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}
