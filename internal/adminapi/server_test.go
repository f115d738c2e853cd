package adminapi

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/relaycore/relayer/internal/auditlog"
	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/core"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/lifecycle"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/scheduler"
	"github.com/relaycore/relayer/internal/store"
	"github.com/relaycore/relayer/internal/wallet"
)

func newTestServer(t *testing.T) (*Server, AuthConfig) {
	t.Helper()
	kv := kvstore.NewMemory()
	queue := pqueue.NewQueue(pqueue.Config{BaseDelay: time.Millisecond, MaxDelay: time.Second}, kv, nil)
	ledger := store.NewPrepaidLedger(kv)
	jobs := store.NewJobStore(kv)
	chain := chainadapter.NewMemory(1)
	wallets := wallet.NewPool(wallet.Config{}, 1, chain, 1, nil)
	audit := auditlog.NewMemory()
	lc := lifecycle.NewManager(jobs, audit, ledger, chain, wallets, nil)
	sched := scheduler.NewPool(scheduler.Config{Workers: 1}, queue, wallets, chain, lc, nil, nil)

	svc := core.New(nil, queue, wallets, sched, lc, audit, jobs, ledger, ledger, kv, nil)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "relayer", AccountName: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	auth := AuthConfig{Username: "admin", Password: "secret", TOTPSecret: key.Secret(), JWTSecret: []byte("test-secret")}
	// httptest.NewRequest defaults RemoteAddr to 192.0.2.1, which isn't
	// loopback; allow it explicitly so these tests exercise auth, not the
	// IP guard.
	return New(svc, auth, []string{"192.0.2.1"}, nil), auth
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/wallets", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginThenCreditLedger(t *testing.T) {
	s, auth := newTestServer(t)
	router := s.Router()

	code, err := totp.GenerateCode(auth.TOTPSecret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(loginRequest{Username: auth.Username, Password: auth.Password, TOTPCode: code})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d: %s", rec.Code, rec.Body.String())
	}
	var loginResp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatal(err)
	}
	if loginResp.Token == "" {
		t.Fatal("expected a token in the login response")
	}

	creditBody, _ := json.Marshal(creditRequest{Amount: "500"})
	creditReq := httptest.NewRequest(http.MethodPost, "/admin/ledger/owner-1/credit", bytes.NewReader(creditBody))
	creditReq.Header.Set("Content-Type", "application/json")
	creditReq.Header.Set("Authorization", "Bearer "+loginResp.Token)
	creditRec := httptest.NewRecorder()
	router.ServeHTTP(creditRec, creditReq)
	if creditRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on credit, got %d: %s", creditRec.Code, creditRec.Body.String())
	}

	bal, err := s.svc.PrepaidBalance(req.Context(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected balance 500, got %s", bal.String())
	}

	queueReq := httptest.NewRequest(http.MethodGet, "/admin/queue", nil)
	queueReq.Header.Set("Authorization", "Bearer "+loginResp.Token)
	queueRec := httptest.NewRecorder()
	router.ServeHTTP(queueRec, queueReq)
	if queueRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on queue status, got %d: %s", queueRec.Code, queueRec.Body.String())
	}
	var status core.QueueStatus
	if err := json.Unmarshal(queueRec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.MaxConcurrent != 1 {
		t.Fatalf("expected max_concurrent 1, got %d", status.MaxConcurrent)
	}
}
