package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerify(t *testing.T) {
	hash, salt, err := HashKey("s3cret")
	require.NoError(t, err)

	ok, err := VerifyKey("s3cret", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyKey("wrong", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyKey("s3cret", "%%%", hash)
	assert.Error(t, err)
}

func TestRequireAdmin(t *testing.T) {
	hash, salt, err := HashKey("s3cret")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAdmin(hash, salt, nil)(next)

	call := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/loans/x", nil)
		if key != "" {
			req.Header.Set(KeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("s3cret").Code)

	rec := call("")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"FORBIDDEN","message":"admin key required"}}`, rec.Body.String())

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusForbidden, call("guess").Code)
	}
	rec = call("s3cret")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many failed admin attempts")
}

func TestRequireAdminLimitsPerClient(t *testing.T) {
	hash, salt, err := HashKey("s3cret")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAdmin(hash, salt, nil)(next)

	call := func(addr, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/loans/x", nil)
		req.RemoteAddr = addr
		req.Header.Set(KeyHeader, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusForbidden, call("10.0.0.1:4000", "guess").Code)
	}
	rec := call("10.0.0.1:4001", "s3cret")
	assert.Equal(t, http.StatusForbidden, rec.Code, "another port on the same host shares the bucket")
	assert.Contains(t, rec.Body.String(), "too many failed admin attempts")

	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:4000", "s3cret").Code)
	assert.Equal(t, http.StatusForbidden, call("10.0.0.2:4000", "guess").Code)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:4000", "s3cret").Code)
}
