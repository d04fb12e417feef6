package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignatureMiddleware_ValidSignature(t *testing.T) {
	sig := NewSignatureMiddleware("secret")
	body := []byte(`{"event":"charge.completed"}`)

	var seen []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/pix", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sig.Sign(body))
	rec := httptest.NewRecorder()

	sig.Middleware(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(seen, body) {
		t.Fatalf("body not replayed downstream")
	}
}

func TestSignatureMiddleware_TamperedBody(t *testing.T) {
	sig := NewSignatureMiddleware("secret")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/pix", bytes.NewReader([]byte(`{"amount":1}`)))
	req.Header.Set(SignatureHeader, sig.Sign([]byte(`{"amount":9}`)))
	rec := httptest.NewRecorder()

	sig.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run for a tampered body")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSignatureMiddleware_MissingHeader(t *testing.T) {
	sig := NewSignatureMiddleware("secret")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/pix", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	sig.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run without a signature")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSignatureMiddleware_WrongSecret(t *testing.T) {
	ours := NewSignatureMiddleware("secret")
	theirs := NewSignatureMiddleware("other-secret")
	body := []byte(`{}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/pix", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, theirs.Sign(body))
	rec := httptest.NewRecorder()

	ours.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run for a foreign signature")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
