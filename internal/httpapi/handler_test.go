package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/catalog"
	"example.com/data-mesh/internal/coordinator"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/metrics"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/store"
)

type fakeService struct {
	Service
	request  coordinator.AccessRequest
	grant    coordinator.GrantRequest
	owner    string
	status   model.Status
	err      error
	result   coordinator.Result
	sub      *model.Subscription
	reason   string
	filter   string
	subQuery store.Query
}

func (f *fakeService) RequestAccess(_ context.Context, r coordinator.AccessRequest) (uuid.UUID, bool, error) {
	f.request = r
	return uuid.MustParse("5f0c6f9e-1b7a-4c55-9a50-1f4f7a3f0c11"), true, f.err
}

func (f *fakeService) Get(_ context.Context, id uuid.UUID, force bool) (*model.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *fakeService) ListForOwner(_ context.Context, owner string, status model.Status, q store.Query) (store.Page, error) {
	f.owner, f.status = owner, status
	return store.Page{Items: []model.Subscription{*f.sub}, NextToken: "next"}, nil
}

func (f *fakeService) ListForSubscriber(_ context.Context, subscriber string, q store.Query) ([]model.View, string, error) {
	f.owner, f.subQuery = subscriber, q
	return nil, "", nil
}

func (f *fakeService) Search(_ context.Context, expr string, q store.Query) (store.Page, error) {
	f.filter = expr
	return store.Page{}, f.err
}

func (f *fakeService) Approve(_ context.Context, id uuid.UUID, r coordinator.GrantRequest) (coordinator.Result, error) {
	f.grant = r
	return f.result, f.err
}

func (f *fakeService) Delete(_ context.Context, id uuid.UUID, reason string) (coordinator.Result, error) {
	f.reason = reason
	return f.result, f.err
}

func newTestServer(svc Service) (*echo.Echo, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := NewServer(zap.NewNop(), m, reg)
	NewSubscriptionHandler(svc, zap.NewNop()).Register(e)
	return e, m
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func sampleSubscription() *model.Subscription {
	return &model.Subscription{
		ID:                  uuid.New(),
		OwnerPrincipal:      "111111111111",
		SubscriberPrincipal: "222222222222",
		Status:              model.StatusPending,
		Scope:               model.ScopeField{Scope: model.DatabaseScope{Database: "sales"}},
		RequestedGrants:     model.Tokens{"SELECT"},
	}
}

func TestRequestAccess(t *testing.T) {
	svc := &fakeService{}
	e, m := newTestServer(svc)

	rec := do(e, http.MethodPost, "/subscriptions", `{
		"owner_principal": "111111111111",
		"subscriber_principal": "222222222222",
		"scope": {"type": "Tables", "database": "sales", "tables": ["orders"]},
		"grants": ["SELECT"],
		"skip_validation": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, model.TablesScope{Database: "sales", Tables: []string{"orders"}}, svc.request.Scope)
	assert.True(t, svc.request.SkipValidation)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/subscriptions", "201")))

	rec = do(e, http.MethodPost, "/subscriptions", `{"scope": {"type": "Bucket"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"transition", &model.TransitionError{From: model.StatusPending, To: model.StatusDeleted}, http.StatusConflict},
		{"race", &store.ConditionError{Current: model.StatusActive}, http.StatusConflict},
		{"scope", &coordinator.ScopeValidationError{Err: &catalog.MissingError{Database: "sales", Table: "x"}}, http.StatusUnprocessableEntity},
		{"page token", fmt.Errorf("%w: bad base64", store.ErrInvalidToken), http.StatusBadRequest},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestServer(&fakeService{err: tc.err})
			rec := do(e, http.MethodGet, "/subscriptions/"+uuid.NewString(), "")
			assert.Equal(t, tc.code, rec.Code)
		})
	}

	e, _ := newTestServer(&fakeService{})
	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/subscriptions/not-a-uuid", "").Code)
}

func TestApproveReportsFailures(t *testing.T) {
	sub := sampleSubscription()
	svc := &fakeService{result: coordinator.Result{
		Subscription: sub,
		Applied:      2,
		Failures: []authz.Failure{{
			EntryID:  "e-3",
			Resource: grants.Locator{Region: "eu-west-1", CatalogID: "111111111111"}.Table("sales", "returns"),
			Code:     "InvalidInputException",
		}},
	}}
	e, _ := newTestServer(svc)

	rec := do(e, http.MethodPost, "/subscriptions/"+sub.ID.String()+"/approve", `{"notes": ["ok"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, svc.grant.Permitted)
	assert.Equal(t, []string{"ok"}, svc.grant.Notes)

	var body resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Applied)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "arn:aws:glue:eu-west-1:111111111111:table/sales/returns", body.Failures[0].Resource)
}

func TestApproveNothingApplied(t *testing.T) {
	sub := sampleSubscription()
	svc := &fakeService{
		err:    coordinator.ErrNothingApplied,
		result: coordinator.Result{Failures: []authz.Failure{{EntryID: "e-1", Code: "AccessDeniedException"}}},
	}
	e, _ := newTestServer(svc)

	rec := do(e, http.MethodPost, "/subscriptions/"+sub.ID.String()+"/approve", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "AccessDeniedException")
}

func TestListRoutes(t *testing.T) {
	svc := &fakeService{sub: sampleSubscription()}
	e, _ := newTestServer(svc)

	rec := do(e, http.MethodGet, "/owners/111111111111/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusPending, svc.status)
	assert.Contains(t, rec.Body.String(), `"next_token":"next"`)

	rec = do(e, http.MethodGet, "/owners/111111111111/subscriptions?status=Bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/subscribers/arn:aws:iam::222222222222:role%2Fanalyst/subscriptions?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "arn:aws:iam::222222222222:role/analyst", svc.owner)
	assert.Equal(t, 10, svc.subQuery.Limit)
	assert.JSONEq(t, `{"items": []}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/subscriptions?filter="+`status%20%3D%3D%20%22Active%22`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `status == "Active"`, svc.filter)
}

func TestDeleteReason(t *testing.T) {
	svc := &fakeService{result: coordinator.Result{Subscription: sampleSubscription(), Applied: 1}}
	e, _ := newTestServer(svc)
	rec := do(e, http.MethodDelete, "/subscriptions/"+uuid.NewString()+"?reason=expired", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", svc.reason)
}

func TestMetricsEndpoint(t *testing.T) {
	e, m := newTestServer(&fakeService{})
	m.Transition("Active")
	rec := do(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mesh_subscription_transitions_total")
}
