// Package middleware contains the HTTP middleware of the payments service.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// SignatureMiddleware authenticates webhook deliveries with a shared secret.
// An unauthenticated payload is the one case that must get a non-2xx, so the
// provider keeps retrying genuine delivery failures only.
type SignatureMiddleware struct {
	secretKey []byte
}

// NewSignatureMiddleware creates the middleware with the given shared secret.
func NewSignatureMiddleware(secret string) *SignatureMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &SignatureMiddleware{
		secretKey: key,
	}
}

// Middleware verifies the body signature and replays the body downstream.
func (s *SignatureMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		r.Body.Close()

		signature := r.Header.Get(SignatureHeader)
		if signature == "" || !s.verify(body, signature) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Sign computes the signature for a body. Used by tests and local tooling.
func (s *SignatureMiddleware) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *SignatureMiddleware) verify(body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}
