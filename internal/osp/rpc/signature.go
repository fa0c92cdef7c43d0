package rpc

import (
	"encoding/json"

	"github.com/openskills/ospd/internal/osp/canon"
)

// SignatureVerifier checks the X-OSP-Signature/X-OSP-Alg headers against
// a configured public key, mirroring the original JCS-based request
// verifier. Verify reports only pass or fail; the caller decides whether
// soft mode tolerates a failure.
type SignatureVerifier struct {
	publicKey []byte
}

// NewSignatureVerifier constructs a verifier bound to publicKey (PEM, or
// a raw HMAC secret for HS256/HS512).
func NewSignatureVerifier(publicKey []byte) *SignatureVerifier {
	return &SignatureVerifier{publicKey: publicKey}
}

// Verify reports whether body, parsed as a JSON object and re-serialized
// under JCS, is validly signed by sigB64 under algHeader. An empty
// algHeader means ES256. A missing signature, an unknown algorithm or an
// unparsable body is reported as false; the caller's StrictSignature setting decides whether that
// rejects the request or is merely logged.
func (v *SignatureVerifier) Verify(sigB64, algHeader string, body []byte) bool {
	if sigB64 == "" {
		return false
	}
	if algHeader == "" {
		algHeader = string(canon.ES256)
	}
	if !canon.ValidAlgorithm(algHeader) {
		return false
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return false
	}

	return canon.Verify(data, sigB64, v.publicKey, canon.Algorithm(algHeader))
}
