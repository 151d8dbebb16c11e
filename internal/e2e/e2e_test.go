package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/verdant/internal/alert"
	"github.com/smallbiznis/verdant/internal/apikey"
	"github.com/smallbiznis/verdant/internal/audit"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	"github.com/smallbiznis/verdant/internal/budget"
	"github.com/smallbiznis/verdant/internal/cache"
	"github.com/smallbiznis/verdant/internal/carbonreport"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/decision"
	"github.com/smallbiznis/verdant/internal/locker"
	"github.com/smallbiznis/verdant/internal/migration"
	"github.com/smallbiznis/verdant/internal/observability"
	"github.com/smallbiznis/verdant/internal/region"
	"github.com/smallbiznis/verdant/internal/scaler"
	"github.com/smallbiznis/verdant/internal/scheduler"
	"github.com/smallbiznis/verdant/internal/server"
	"github.com/smallbiznis/verdant/internal/tenant"
	"github.com/smallbiznis/verdant/internal/workload"
	"github.com/smallbiznis/verdant/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type testEnv struct {
	app       *fx.App
	server    *server.Server
	db        *gorm.DB
	baseURL   string
	apiKey    string
	scheduler *scheduler.Scheduler
	auditSvc  auditdomain.Service
	httpSrv   *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("DATABASE_NAME", "file:verdant_e2e?mode=memory&cache=shared")
	setEnvIfEmpty("DATABASE_MAX_OPEN_CONN", "1")
	setEnvIfEmpty("DATABASE_MAX_IDLE_CONN", "1")
	setEnvIfEmpty("DATABASE_METRICS_ENABLED", "false")
	setEnvIfEmpty("SEED_DEMO", "true")
	setEnvIfEmpty("BOOTSTRAP_TOKEN", "e2e-bootstrap-token")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func startEnv() (*testEnv, error) {
	var (
		srv      *server.Server
		dbConn   *gorm.DB
		cfg      config.Config
		auditSvc auditdomain.Service
		sched    *scheduler.Scheduler
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		cache.Module,
		locker.Module,
		migration.Module,
		audit.Module,
		alert.Module,
		apikey.Module,
		region.Module,
		tenant.Module,
		workload.Module,
		budget.Module,
		decision.Module,
		scaler.Module,
		carbonreport.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &cfg, &auditSvc, &sched),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	e := &testEnv{
		app:       app,
		server:    srv,
		db:        dbConn,
		baseURL:   httpSrv.URL,
		scheduler: sched,
		auditSvc:  auditSvc,
		httpSrv:   httpSrv,
	}

	key, err := e.mintFirstAPIKey(cfg.BootstrapToken)
	if err != nil {
		e.shutdown()
		return nil, err
	}
	e.apiKey = key

	return e, nil
}

// mintFirstAPIKey exercises the bootstrap path: while no key exists, the
// bootstrap token may create one through the public endpoint.
func (e *testEnv) mintFirstAPIKey(bootstrapToken string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"name":   "e2e",
		"scopes": []string{"admin"},
	})
	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/v1/apikeys", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bootstrapToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("bootstrap key mint returned %d: %s", resp.StatusCode, string(raw))
	}

	var payload struct {
		Data struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if !strings.HasPrefix(payload.Data.APIKey, "vd_") {
		return "", fmt.Errorf("unexpected api key shape: %q", payload.Data.APIKey)
	}
	return payload.Data.APIKey, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func doJSON(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, raw
}

func decodeData(t *testing.T, raw []byte, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, string(raw))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, string(raw))
	}
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_BootstrapWindowClosesAfterFirstKey(t *testing.T) {
	// A key exists now, so the bootstrap token must no longer authorize.
	body, _ := json.Marshal(map[string]any{"name": "late"})
	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/v1/apikeys", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+os.Getenv("BOOTSTRAP_TOKEN"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}
}

func TestE2E_RequestsWithoutKeyAreRejected(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/v1/regions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.StatusCode)
	}
}

func TestE2E_WorkloadLifecycle(t *testing.T) {
	resp, body := doJSON(t, http.MethodPost, "/v1/regions", map[string]any{
		"id":                    "e2e-clean",
		"display_name":          "E2E Clean",
		"gdpr_eligible":         true,
		"cost_multiplier":       1.0,
		"renewable_share_pct":   85,
		"baseline_gco2_per_kwh": 180,
		"latency_score":         0.9,
		"availability_score":    0.95,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register region: expected 201, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/regions/e2e-clean/samples", map[string]any{
		"gco2_per_kwh": 110,
		"observed_at":  time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest sample: expected 201, got %d: %s", resp.StatusCode, string(body))
	}

	var tenantResp struct {
		ID string `json:"id"`
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/tenants", map[string]any{
		"name":             "e2e-tenant",
		"residency_class":  "GLOBAL",
		"enforcement_mode": "STRICT",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &tenantResp)

	var outcome struct {
		WorkloadID string `json:"workload_id"`
		Status     string `json:"status"`
		ReasonCode string `json:"reason_code"`
		Decision   *struct {
			ChosenRegion string `json:"chosen_region"`
		} `json:"decision"`
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/workloads", map[string]any{
		"tenant_id":           tenantResp.ID,
		"service_id":          "e2e-batch",
		"class":               "deferrable",
		"energy_estimate_kwh": 4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit workload: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &outcome)
	if outcome.Status != "decided" {
		t.Fatalf("expected decided workload, got %s: %s", outcome.Status, string(body))
	}
	if outcome.Decision == nil || outcome.Decision.ChosenRegion != "e2e-clean" {
		t.Fatalf("expected placement in e2e-clean: %s", string(body))
	}

	var view struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Decision *struct {
			ChosenRegion string `json:"chosen_region"`
		} `json:"decision"`
	}
	resp, body = doJSON(t, http.MethodGet, "/v1/workloads/"+outcome.WorkloadID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get workload: expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &view)
	if view.Status != "decided" || view.Decision == nil {
		t.Fatalf("expected decided view: %s", string(body))
	}

	// Polling a terminal workload replays the recorded outcome.
	resp, body = doJSON(t, http.MethodPost, "/v1/workloads/"+outcome.WorkloadID+"/poll", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll workload: expected 200, got %d: %s", resp.StatusCode, string(body))
	}

	// Withdrawing after the decision is a conflict.
	resp, body = doJSON(t, http.MethodDelete, "/v1/workloads/"+outcome.WorkloadID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("withdraw decided workload: expected 409, got %d: %s", resp.StatusCode, string(body))
	}

	// The decision trail lands in the audit log once the buffer flushes.
	if _, err := env.auditSvc.Flush(context.Background()); err != nil {
		t.Fatalf("flush audit: %v", err)
	}
	resp, body = doJSON(t, http.MethodGet, "/v1/audit?workload_id="+outcome.WorkloadID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list audit: expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	var auditEnvelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &auditEnvelope); err != nil {
		t.Fatalf("decode audit list: %v", err)
	}
	if len(auditEnvelope.Data) == 0 {
		t.Fatalf("expected audit records for workload: %s", string(body))
	}
}

func TestE2E_PollerFinalizesDeferredWorkload(t *testing.T) {
	resp, body := doJSON(t, http.MethodPost, "/v1/regions", map[string]any{
		"id":                    "e2e-dirty",
		"display_name":          "E2E Dirty",
		"gdpr_eligible":         true,
		"cost_multiplier":       1.0,
		"renewable_share_pct":   70,
		"baseline_gco2_per_kwh": 320,
		"latency_score":         0.9,
		"availability_score":    0.95,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register region: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/regions/e2e-dirty/samples", map[string]any{
		"gco2_per_kwh": 300,
		"observed_at":  time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest sample: expected 201, got %d: %s", resp.StatusCode, string(body))
	}

	var tenantResp struct {
		ID string `json:"id"`
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/tenants", map[string]any{
		"name":             "e2e-deferral",
		"residency_class":  "EU_STRICT",
		"enforcement_mode": "STRICT",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create tenant: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &tenantResp)

	var outcome struct {
		WorkloadID        string `json:"workload_id"`
		Status            string `json:"status"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/workloads", map[string]any{
		"tenant_id":           tenantResp.ID,
		"service_id":          "e2e-deferral",
		"class":               "deferrable",
		"energy_estimate_kwh": 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit workload: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &outcome)
	if outcome.Status != "deferred" {
		t.Fatalf("expected deferred workload, got %s: %s", outcome.Status, string(body))
	}
	if outcome.RetryAfterSeconds == 0 {
		t.Fatalf("expected retry hint on deferred outcome: %s", string(body))
	}

	// The grid cleans up; the next poller cycle must finalize the workload.
	resp, body = doJSON(t, http.MethodPost, "/v1/regions/e2e-dirty/samples", map[string]any{
		"gco2_per_kwh": 100,
		"observed_at":  time.Now().UTC(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest clean sample: expected 201, got %d: %s", resp.StatusCode, string(body))
	}
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("poller cycle: %v", err)
	}

	var view struct {
		Status   string `json:"status"`
		Decision *struct {
			ChosenRegion string `json:"chosen_region"`
			ReasonCode   string `json:"reason_code"`
		} `json:"decision"`
	}
	resp, body = doJSON(t, http.MethodGet, "/v1/workloads/"+outcome.WorkloadID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get workload: expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &view)
	if view.Status != "decided" {
		t.Fatalf("expected decided workload after poller cycle: %s", string(body))
	}
	if view.Decision == nil || view.Decision.ChosenRegion != "e2e-dirty" {
		t.Fatalf("expected placement in e2e-dirty: %s", string(body))
	}
}

func TestE2E_BudgetConfigureAndRead(t *testing.T) {
	resp, body := doJSON(t, http.MethodPut, "/v1/budgets/e2e-batch", map[string]any{
		"limit_kg_co2e":       50,
		"alert_threshold_pct": 75,
		"enforcement_action":  "advisory",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure budget: expected 200, got %d: %s", resp.StatusCode, string(body))
	}

	var budgetResp struct {
		ServiceID   string  `json:"service_id"`
		LimitKgCO2e float64 `json:"limit_kg_co2e"`
	}
	resp, body = doJSON(t, http.MethodGet, "/v1/budgets/e2e-batch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get budget: expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &budgetResp)
	if budgetResp.ServiceID != "e2e-batch" || budgetResp.LimitKgCO2e != 50 {
		t.Fatalf("unexpected budget payload: %s", string(body))
	}
}

func TestE2E_ScaleVerdict(t *testing.T) {
	// Seeded starter regions answer scale queries out of the box.
	var verdict struct {
		RegionID    string `json:"region_id"`
		ShouldScale bool   `json:"should_scale"`
	}
	resp, body := doJSON(t, http.MethodGet, "/v1/scale/eu-north/deferrable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scale verdict: expected 200, got %d: %s", resp.StatusCode, string(body))
	}
	decodeData(t, body, &verdict)
	if verdict.RegionID != "eu-north" {
		t.Fatalf("unexpected verdict payload: %s", string(body))
	}
}
