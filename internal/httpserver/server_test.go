package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/datapool/datapool-gateway/internal/credit"
	"github.com/datapool/datapool-gateway/internal/durable/async"
	durablesql "github.com/datapool/datapool-gateway/internal/durable/sqlite"
	faststoremem "github.com/datapool/datapool-gateway/internal/faststore/memory"
	"github.com/datapool/datapool-gateway/internal/metrics"
	"github.com/datapool/datapool-gateway/internal/ratelimit"
	"github.com/datapool/datapool-gateway/internal/tokenauth"
)

type testEnv struct {
	server *httptest.Server
	fast   *faststoremem.Store
	auth   *tokenauth.Authenticator
	svc    *credit.Service
}

func newTestEnv(t *testing.T, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	fast := faststoremem.New()
	store, err := durablesql.New(filepath.Join(t.TempDir(), "datapool.db"))
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	writer := async.NewWriter(store, async.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = writer.Close() })

	collector := metrics.NewCollector()
	svc := credit.NewService(credit.Config{
		Fast:      fast,
		Durable:   store,
		TxWriter:  writer,
		Prices:    credit.NewPriceTable(map[string]int64{"email": 10}),
		Collector: collector,
	})
	auth := tokenauth.New(fast, store, "test-secret")

	srv := NewServer(Config{
		Service:     svc,
		Auth:        auth,
		Fast:        fast,
		Prices:      credit.NewPriceTable(map[string]int64{"email": 10}),
		Collector:   collector,
		Limiter:     limiter,
		AdminSecret: "admin-secret",
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, fast: fast, auth: auth, svc: svc}
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := e.auth.EnsureToken(context.Background(), userID, fmt.Sprint(userID))
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	return token
}

func (e *testEnv) get(t *testing.T, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, req)
}

func (e *testEnv) post(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(http.MethodPost, e.server.URL+path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(t, req)
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.get(t, "/api/v1/credits", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, _ = env.get(t, "/api/v1/credits", "bogus")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestQueryTokenAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, 1)

	resp, body := env.get(t, "/api/v1/credits?token="+token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 0 {
		t.Fatalf("expected zero balance, got %v", body["balance"])
	}
}

func TestPurchaseFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	token := env.token(t, 1)

	// Not enough credits.
	if _, err := env.svc.AddCredits(ctx, 1, 15, ""); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if _, _, err := env.fast.AddPoolItems(ctx, "email", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("add pool items: %v", err)
	}

	resp, _ := env.get(t, "/api/v1/purchase?type=email&amount=2", token)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}

	if _, err := env.svc.AddCredits(ctx, 1, 100, ""); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	resp, body := env.get(t, "/api/v1/purchase?type=email&amount=2", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(body["data"].([]any)) != 2 {
		t.Fatalf("expected 2 items, got %v", body["data"])
	}
	if body["cost"].(float64) != 20 {
		t.Fatalf("expected cost 20, got %v", body["cost"])
	}

	// Unknown type and exhausted pool both map to 404.
	resp, _ = env.get(t, "/api/v1/purchase?type=fax&amount=1", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown type, got %d", resp.StatusCode)
	}
	env.get(t, "/api/v1/purchase?type=email&amount=1", token)
	resp, _ = env.get(t, "/api/v1/purchase?type=email&amount=1", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for exhausted pool, got %d", resp.StatusCode)
	}

	resp, _ = env.get(t, "/api/v1/purchase?type=email&amount=0", token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero amount, got %d", resp.StatusCode)
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	token := env.token(t, 1)

	if _, err := env.svc.AddCredits(ctx, 1, 100, "seed"); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	// Ledger rows flush asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body := env.get(t, "/api/v1/transactions", token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["total"].(float64) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ledger row never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, _ := env.get(t, "/api/v1/transactions?types=refund", token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad kind, got %d", resp.StatusCode)
	}
}

func TestTokenRotation(t *testing.T) {
	env := newTestEnv(t, nil)
	oldToken := env.token(t, 1)

	resp, body := env.post(t, "/api/v1/token/rotate", oldToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	newToken := body["token"].(string)
	if newToken == oldToken {
		t.Fatalf("rotation returned the same token")
	}

	resp, _ = env.get(t, "/api/v1/credits", oldToken)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token still authenticates: %d", resp.StatusCode)
	}
	resp, _ = env.get(t, "/api/v1/credits", newToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new token rejected: %d", resp.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.post(t, "/api/v1/admin/credits/add", "wrong-secret", map[string]any{"user_id": 1, "amount": 50})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", resp.StatusCode)
	}

	resp, body := env.post(t, "/api/v1/admin/credits/add", "admin-secret", map[string]any{"user_id": 1, "amount": 50})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["balance"].(float64) != 50 {
		t.Fatalf("expected balance 50, got %v", body["balance"])
	}

	resp, body = env.post(t, "/api/v1/admin/datapool/add", "admin-secret", map[string]any{"type": "email", "items": []string{"a", "b"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["added"].(float64) != 2 {
		t.Fatalf("expected 2 added, got %v", body["added"])
	}

	resp, body = env.get(t, "/api/v1/admin/datapool/sizes", "admin-secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sizes := body["sizes"].(map[string]any)
	if sizes["email"].(float64) != 2 {
		t.Fatalf("expected pool size 2, got %v", sizes)
	}

	resp, _ = env.post(t, "/api/v1/admin/datapool/config/cost", "admin-secret", map[string]any{"type": "phone", "price": 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, body = env.get(t, "/api/v1/admin/datapool/config/cost?type=phone", "admin-secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["price"].(float64) != 7 {
		t.Fatalf("expected price 7, got %v", body["price"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", body)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/metrics", nil)
	metricsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", metricsResp.StatusCode)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	limiter := ratelimit.NewLimiter(nil, 2, 0.001)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, limiter)
	token := env.token(t, 1)

	for i := 0; i < 2; i++ {
		resp, _ := env.get(t, "/api/v1/credits", token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d rejected early: %d", i, resp.StatusCode)
		}
	}
	resp, _ := env.get(t, "/api/v1/credits", token)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}
