package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPKMSClientSignWithKMS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req kmsSignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Address != "0xWallet" {
			t.Fatalf("unexpected address in request: %s", req.Address)
		}
		json.NewEncoder(w).Encode(kmsSignResponse{Success: true, Signature: hex.EncodeToString([]byte("sig-bytes"))})
	}))
	defer srv.Close()

	client := NewHTTPKMSClient(srv.URL, "token", 0)
	sig, err := client.SignWithKMS(context.Background(), "0xWallet", []byte("hash"))
	if err != nil {
		t.Fatal(err)
	}
	if string(sig) != "sig-bytes" {
		t.Fatalf("unexpected signature bytes: %q", sig)
	}
}

func TestHTTPKMSClientSurfacesRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(kmsSignResponse{Success: false, Error: "key not found"})
	}))
	defer srv.Close()

	client := NewHTTPKMSClient(srv.URL, "", 0)
	if _, err := client.SignWithKMS(context.Background(), "0xWallet", []byte("hash")); err == nil {
		t.Fatal("expected error from failed remote sign")
	}
}
