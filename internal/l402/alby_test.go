// ABOUTME: Tests for the Alby invoice payer
// ABOUTME: Verifies request shape, bearer auth and error decoding

package l402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlbyPayer_Pay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments/bolt11", r.URL.Path)
		assert.Equal(t, "Bearer alby-token", r.Header.Get("Authorization"))

		var req albyPaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lnbc100n1test", req.Invoice)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"payment_preimage": "deadbeef",
			"payment_hash":     "cafe",
			"amount":           10,
		})
	}))
	t.Cleanup(srv.Close)

	p := &AlbyPayer{BaseURL: srv.URL + "/", Token: "alby-token"}
	preimage, err := p.Pay(context.Background(), "lnbc100n1test")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", preimage)
}

func TestAlbyPayer_Errors(t *testing.T) {
	t.Run("api error message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":true,"message":"not enough balance"}`))
		}))
		t.Cleanup(srv.Close)

		_, err := (&AlbyPayer{BaseURL: srv.URL, Token: "t"}).Pay(context.Background(), "lnbc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not enough balance")
	})

	t.Run("missing preimage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(srv.Close)

		_, err := (&AlbyPayer{BaseURL: srv.URL, Token: "t"}).Pay(context.Background(), "lnbc")
		assert.ErrorContains(t, err, "payment_preimage")
	})

	t.Run("no token", func(t *testing.T) {
		_, err := (&AlbyPayer{BaseURL: "http://unused"}).Pay(context.Background(), "lnbc")
		assert.ErrorContains(t, err, "no access token")
	})
}
