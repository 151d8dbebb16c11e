package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/config"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

type fakeDecisionService struct {
	submitOutcome *decisiondomain.Outcome
	submitErr     error
	pollOutcome   *decisiondomain.Outcome
	pollErr       error
	reevaluateErr error
	getView       *decisiondomain.WorkloadView
	getErr        error
	submitCalls   int
}

func (f *fakeDecisionService) Submit(ctx context.Context, req decisiondomain.SubmitRequest) (*decisiondomain.Outcome, error) {
	f.submitCalls++
	_ = ctx
	_ = req
	return f.submitOutcome, f.submitErr
}

func (f *fakeDecisionService) Poll(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	_ = ctx
	_ = workloadID
	return f.pollOutcome, f.pollErr
}

func (f *fakeDecisionService) Reevaluate(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	_ = ctx
	_ = workloadID
	if f.reevaluateErr != nil {
		return nil, f.reevaluateErr
	}
	return f.pollOutcome, nil
}

func (f *fakeDecisionService) Withdraw(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	_ = ctx
	_ = workloadID
	return f.pollOutcome, f.pollErr
}

func (f *fakeDecisionService) Get(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.WorkloadView, error) {
	_ = ctx
	_ = workloadID
	return f.getView, f.getErr
}

type fakeAPIKeyService struct {
	keys        map[string]*apikeydomain.APIKey
	count       int64
	authCalls   int
	lastCreated *apikeydomain.CreateRequest
}

func (f *fakeAPIKeyService) List(ctx context.Context) ([]apikeydomain.Response, error) {
	_ = ctx
	return nil, nil
}

func (f *fakeAPIKeyService) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	_ = ctx
	f.lastCreated = &req
	return &apikeydomain.SecretResponse{
		ID:     snowflake.ID(42).String(),
		Name:   req.Name,
		Scopes: req.Scopes,
		APIKey: "vd_test",
	}, nil
}

func (f *fakeAPIKeyService) Revoke(ctx context.Context, id snowflake.ID) error {
	_ = ctx
	_ = id
	return nil
}

func (f *fakeAPIKeyService) Authenticate(ctx context.Context, rawKey string) (*apikeydomain.APIKey, error) {
	_ = ctx
	f.authCalls++
	key, ok := f.keys[rawKey]
	if !ok {
		return nil, apikeydomain.ErrNotFound
	}
	if key.Revoked {
		return nil, apikeydomain.ErrRevoked
	}
	return key, nil
}

func (f *fakeAPIKeyService) Count(ctx context.Context) (int64, error) {
	_ = ctx
	return f.count, nil
}

func newTestRouter(srv *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	srv.engine = router
	srv.registerAPIRoutes()
	return router
}

func authedKeyService() *fakeAPIKeyService {
	return &fakeAPIKeyService{
		keys: map[string]*apikeydomain.APIKey{
			"vd_valid": {ID: snowflake.ID(7), Name: "ops", Scopes: []string{apikeydomain.ScopeWorkloadsWrite}},
		},
		count: 1,
	}
}

func doJSON(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBufferString("{}")
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestSubmitWorkloadReturnsCreatedOutcome(t *testing.T) {
	decisionSvc := &fakeDecisionService{
		submitOutcome: &decisiondomain.Outcome{
			WorkloadID: snowflake.ID(11),
			Status:     workloaddomain.WorkloadStatusDecided,
			Class:      workloaddomain.WorkloadClassStandard,
			ReasonCode: "optimal_region",
		},
	}
	srv := &Server{
		cfg:         config.Config{},
		apiKeySvc:   authedKeyService(),
		decisionSvc: decisionSvc,
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodPost, "/v1/workloads", "vd_valid",
		`{"tenant_id":"1","service_id":"render","class":"standard","energy_estimate_kwh":4}`)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Data decisiondomain.OutcomeResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.Status != workloaddomain.WorkloadStatusDecided {
		t.Fatalf("expected decided outcome, got %s", body.Data.Status)
	}
	if decisionSvc.submitCalls != 1 {
		t.Fatalf("expected one submit call, got %d", decisionSvc.submitCalls)
	}
}

func TestSubmitWorkloadBudgetRejectionReturnsConflictWithOutcome(t *testing.T) {
	rejected := &decisiondomain.Outcome{
		WorkloadID: snowflake.ID(12),
		Status:     workloaddomain.WorkloadStatusRejected,
		Class:      workloaddomain.WorkloadClassStandard,
		ReasonCode: decisiondomain.ReasonRejectedBudgetBlock,
	}
	srv := &Server{
		cfg:       config.Config{},
		apiKeySvc: authedKeyService(),
		decisionSvc: &fakeDecisionService{
			submitErr: &decisiondomain.RejectionError{Outcome: rejected, Cause: budgetdomain.ErrExceeded},
		},
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodPost, "/v1/workloads", "vd_valid",
		`{"tenant_id":"1","service_id":"render","class":"standard","energy_estimate_kwh":4}`)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Data decisiondomain.OutcomeResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.ReasonCode != decisiondomain.ReasonRejectedBudgetBlock {
		t.Fatalf("expected budget rejection reason, got %q", body.Data.ReasonCode)
	}
}

func TestReevaluatePastScheduleReturnsConflict(t *testing.T) {
	srv := &Server{
		cfg:       config.Config{},
		apiKeySvc: authedKeyService(),
		decisionSvc: &fakeDecisionService{
			reevaluateErr: decisiondomain.ErrDecisionImmutable,
		},
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodPost, "/v1/workloads/11/reevaluate", "vd_valid", "")

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Error.Code != "decision_immutable" {
		t.Fatalf("expected decision_immutable code, got %q", body.Error.Code)
	}
}

func TestGetWorkloadUnknownReturnsNotFound(t *testing.T) {
	srv := &Server{
		cfg:       config.Config{},
		apiKeySvc: authedKeyService(),
		decisionSvc: &fakeDecisionService{
			getErr: workloaddomain.ErrWorkloadNotFound,
		},
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodGet, "/v1/workloads/11", "vd_valid", "")

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestAPIKeyRequiredRejectsMissingAndRevoked(t *testing.T) {
	keySvc := authedKeyService()
	keySvc.keys["vd_revoked"] = &apikeydomain.APIKey{ID: snowflake.ID(8), Revoked: true}
	srv := &Server{
		cfg:         config.Config{},
		apiKeySvc:   keySvc,
		decisionSvc: &fakeDecisionService{},
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodGet, "/v1/workloads/11", "", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without key, got %d", resp.Code)
	}

	resp = doJSON(router, http.MethodGet, "/v1/workloads/11", "vd_revoked", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for revoked key, got %d", resp.Code)
	}
}

func TestBootstrapTokenMintsFirstKeyOnly(t *testing.T) {
	keySvc := &fakeAPIKeyService{keys: map[string]*apikeydomain.APIKey{}, count: 0}
	srv := &Server{
		cfg:       config.Config{BootstrapToken: "bootstrap-secret"},
		apiKeySvc: keySvc,
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodPost, "/v1/apikeys", "bootstrap-secret", `{"name":"first"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201 with bootstrap token, got %d: %s", resp.Code, resp.Body.String())
	}
	if keySvc.lastCreated == nil || keySvc.lastCreated.Name != "first" {
		t.Fatalf("expected create call for %q, got %+v", "first", keySvc.lastCreated)
	}

	resp = doJSON(router, http.MethodPost, "/v1/apikeys", "wrong-token", `{"name":"second"}`)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 with wrong token, got %d", resp.Code)
	}

	// Once a key exists, the bootstrap token no longer works.
	keySvc.count = 1
	resp = doJSON(router, http.MethodPost, "/v1/apikeys", "bootstrap-secret", `{"name":"third"}`)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 after bootstrap, got %d", resp.Code)
	}
}

func TestGetScaleVerdictRejectsUnknownClass(t *testing.T) {
	srv := &Server{
		cfg:       config.Config{},
		apiKeySvc: authedKeyService(),
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodGet, "/v1/scale/eu-north/banana", "vd_valid", "")

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestGetWorkloadReturnsViewWithDecision(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := &Server{
		cfg:       config.Config{},
		apiKeySvc: authedKeyService(),
		decisionSvc: &fakeDecisionService{
			getView: &decisiondomain.WorkloadView{
				Workload: &workloaddomain.Workload{
					ID:          snowflake.ID(11),
					TenantID:    snowflake.ID(1),
					ServiceID:   "render",
					Class:       workloaddomain.WorkloadClassStandard,
					Status:      workloaddomain.WorkloadStatusDecided,
					SubmittedAt: now,
					Deadline:    now.Add(time.Hour),
				},
			},
		},
	}
	router := newTestRouter(srv)

	resp := doJSON(router, http.MethodGet, "/v1/workloads/11", "vd_valid", "")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body struct {
		Data decisiondomain.WorkloadResponse `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Data.ServiceID != "render" {
		t.Fatalf("expected service render, got %q", body.Data.ServiceID)
	}
}
