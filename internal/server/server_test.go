package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	creditservice "github.com/smallbiznis/metergate/internal/credit/service"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	eventservice "github.com/smallbiznis/metergate/internal/event/service"
	meteringservice "github.com/smallbiznis/metergate/internal/metering/service"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	ruleservice "github.com/smallbiznis/metergate/internal/rule/service"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	trackerservice "github.com/smallbiznis/metergate/internal/tracker/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupServer(t *testing.T) *Server {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&ruledomain.Rule{},
		&trackerdomain.UsageTracker{},
		&creditdomain.CreditBatch{},
		&eventdomain.UsageEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2026, time.July, 10, 12, 0, 0, 0, time.UTC))

	rules := ruleservice.NewService(ruleservice.ServiceParam{DB: db, Log: log, GenID: node})
	tracker := trackerservice.NewService(trackerservice.ServiceParam{DB: db, Log: log, GenID: node})
	credits := creditservice.NewService(creditservice.ServiceParam{DB: db, Log: log, GenID: node})
	events := eventservice.NewService(eventservice.ServiceParam{DB: db, Log: log, GenID: node})
	metering := meteringservice.NewService(meteringservice.ServiceParam{
		Log:     log,
		Clock:   fake,
		Rules:   rules,
		Tracker: tracker,
		Credits: credits,
		Events:  events,
	})

	engine := NewEngine(config.Config{Environment: "test"})
	srv := NewServer(ServerParams{
		Log:      log,
		Engine:   engine,
		Metering: metering,
		Credits:  credits,
		Events:   events,
		Rules:    rules,
	})
	registerRoutes(srv)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	srv.Engine().ServeHTTP(recorder, req)
	return recorder
}

func proHeaders() map[string]string {
	return map[string]string{
		headerUserID: "user-1",
		headerTier:   "pro",
	}
}

func TestCheckRequiresIdentity(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/v1/usage/check",
		gin.H{"metric_type": "api_calls"}, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestCheckEndpointAdmitsAndDenies(t *testing.T) {
	srv := setupServer(t)

	seed := doJSON(t, srv, http.MethodPost, "/v1/admin/rules/seed",
		gin.H{"tier": "pro"}, proHeaders())
	if seed.Code != http.StatusOK {
		t.Fatalf("seed status = %d: %s", seed.Code, seed.Body)
	}

	resp := doJSON(t, srv, http.MethodPost, "/v1/usage/check",
		gin.H{"metric_type": "api_calls", "amount": 1}, proHeaders())
	if resp.Code != http.StatusOK {
		t.Fatalf("check status = %d: %s", resp.Code, resp.Body)
	}
	var decision struct {
		Allowed bool   `json:"allowed"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !decision.Allowed || decision.Outcome != "allowed" {
		t.Fatalf("decision = %+v", decision)
	}

	// A denial still answers 200: the verdict is the body, not the status.
	huge := doJSON(t, srv, http.MethodPost, "/v1/usage/check",
		gin.H{"metric_type": "storage_bytes", "amount": int64(1) << 50}, proHeaders())
	if huge.Code != http.StatusOK {
		t.Fatalf("denied check status = %d: %s", huge.Code, huge.Body)
	}
	if err := json.Unmarshal(huge.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("decision = %+v, want denial", decision)
	}
}

func TestInvalidMetricIsValidationError(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/v1/usage/check",
		gin.H{"metric_type": "nonsense"}, proHeaders())
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.Code, resp.Body)
	}
}

func TestSubscriptionWebhookIsIdempotent(t *testing.T) {
	srv := setupServer(t)
	payload := gin.H{
		"event_type":      "subscription.created",
		"user_id":         "user-1",
		"subscription_id": "sub-9",
		"tier":            "pro",
	}

	first := doJSON(t, srv, http.MethodPost, "/v1/subscriptions/events", payload, proHeaders())
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d: %s", first.Code, first.Body)
	}
	second := doJSON(t, srv, http.MethodPost, "/v1/subscriptions/events", payload, proHeaders())
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d: %s", second.Code, second.Body)
	}

	var a, b struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.BatchID == "" || a.BatchID != b.BatchID {
		t.Fatalf("batch ids %q / %q, want identical", a.BatchID, b.BatchID)
	}
}

func TestPromotionalGrantShowsInBalance(t *testing.T) {
	srv := setupServer(t)

	grant := doJSON(t, srv, http.MethodPost, "/v1/credits/promotional", gin.H{
		"user_id":     "user-1",
		"credit_type": "ai_tokens",
		"amount":      500,
	}, proHeaders())
	if grant.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", grant.Code, grant.Body)
	}

	resp := doJSON(t, srv, http.MethodGet, "/v1/credits/balance?credit_type=ai_tokens", nil, proHeaders())
	if resp.Code != http.StatusOK {
		t.Fatalf("balance status = %d: %s", resp.Code, resp.Body)
	}
	var balance struct {
		Available int64 `json:"available"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Available != 500 {
		t.Fatalf("available = %d, want 500", balance.Available)
	}
}

func TestTransferEndpoint(t *testing.T) {
	srv := setupServer(t)

	grant := doJSON(t, srv, http.MethodPost, "/v1/credits/promotional", gin.H{
		"user_id":     "user-1",
		"credit_type": "ai_tokens",
		"amount":      100,
	}, proHeaders())
	if grant.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", grant.Code, grant.Body)
	}

	transfer := doJSON(t, srv, http.MethodPost, "/v1/credits/transfer", gin.H{
		"to_user_id":  "user-2",
		"credit_type": "ai_tokens",
		"amount":      40,
	}, proHeaders())
	if transfer.Code != http.StatusOK {
		t.Fatalf("transfer status = %d: %s", transfer.Code, transfer.Body)
	}

	tooMuch := doJSON(t, srv, http.MethodPost, "/v1/credits/transfer", gin.H{
		"to_user_id":  "user-2",
		"credit_type": "ai_tokens",
		"amount":      1000,
	}, proHeaders())
	if tooMuch.Code != http.StatusPaymentRequired {
		t.Fatalf("over-transfer status = %d, want 402: %s", tooMuch.Code, tooMuch.Body)
	}
}

func TestUsageEventsEndpoint(t *testing.T) {
	srv := setupServer(t)

	seed := doJSON(t, srv, http.MethodPost, "/v1/admin/rules/seed",
		gin.H{"tier": "pro"}, proHeaders())
	if seed.Code != http.StatusOK {
		t.Fatalf("seed status = %d: %s", seed.Code, seed.Body)
	}
	check := doJSON(t, srv, http.MethodPost, "/v1/usage/check",
		gin.H{"metric_type": "api_calls"}, proHeaders())
	if check.Code != http.StatusOK {
		t.Fatalf("check status = %d: %s", check.Code, check.Body)
	}

	resp := doJSON(t, srv, http.MethodGet, "/v1/usage/events?metric_type=api_calls", nil, proHeaders())
	if resp.Code != http.StatusOK {
		t.Fatalf("events status = %d: %s", resp.Code, resp.Body)
	}
	var payload struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(payload.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(payload.Events))
	}
}

func TestHealthz(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
}
