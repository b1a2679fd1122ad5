package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/coordinator"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/store"
	"example.com/data-mesh/internal/tracker"
)

// Service is the operation surface served over HTTP.
type Service interface {
	RequestAccess(ctx context.Context, r coordinator.AccessRequest) (uuid.UUID, bool, error)
	Get(ctx context.Context, id uuid.UUID, force bool) (*model.Subscription, error)
	ListForOwner(ctx context.Context, owner string, status model.Status, q store.Query) (store.Page, error)
	ListForSubscriber(ctx context.Context, subscriber string, q store.Query) ([]model.View, string, error)
	Search(ctx context.Context, expr string, q store.Query) (store.Page, error)
	Approve(ctx context.Context, id uuid.UUID, r coordinator.GrantRequest) (coordinator.Result, error)
	ModifyGrants(ctx context.Context, id uuid.UUID, r coordinator.GrantRequest) (coordinator.Result, error)
	Deny(ctx context.Context, id uuid.UUID, notes []string) (*model.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID, reason string) (coordinator.Result, error)
	Resubmit(ctx context.Context, id uuid.UUID, notes []string) (*model.Subscription, error)
	Finalize(ctx context.Context, id uuid.UUID) (int, error)
}

type SubscriptionHandler struct {
	svc    Service
	logger *zap.Logger
}

func NewSubscriptionHandler(svc Service, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, logger: logger.Named("subscriptions")}
}

func (h *SubscriptionHandler) Register(e *echo.Echo) {
	e.POST("/subscriptions", h.Request)
	e.GET("/subscriptions", h.Search)
	e.GET("/subscriptions/:id", h.Get)
	e.POST("/subscriptions/:id/approve", h.Approve)
	e.POST("/subscriptions/:id/deny", h.Deny)
	e.POST("/subscriptions/:id/resubmit", h.Resubmit)
	e.POST("/subscriptions/:id/finalize", h.Finalize)
	e.PUT("/subscriptions/:id/grants", h.ModifyGrants)
	e.DELETE("/subscriptions/:id", h.Delete)
	e.GET("/owners/:owner/subscriptions", h.ListForOwner)
	e.GET("/subscribers/:subscriber/subscriptions", h.ListForSubscriber)
}

type requestBody struct {
	Owner          string         `json:"owner_principal"`
	Subscriber     string         `json:"subscriber_principal"`
	Scope          model.ScopeDoc `json:"scope"`
	Grants         []string       `json:"grants"`
	SkipValidation bool           `json:"skip_validation"`
}

type grantBody struct {
	Permitted []string `json:"permitted_grants"`
	Grantable []string `json:"grantable_grants"`
	Notes     []string `json:"notes"`
}

type notesBody struct {
	Notes []string `json:"notes"`
}

type failure struct {
	EntryID  string `json:"entry_id"`
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

type resultResponse struct {
	Subscription *model.Subscription `json:"subscription,omitempty"`
	Applied      int                 `json:"applied"`
	Failures     []failure           `json:"failures"`
}

type pageResponse[T any] struct {
	Items     []T    `json:"items"`
	NextToken string `json:"next_token,omitempty"`
}

func failures(in []authz.Failure) []failure {
	out := make([]failure, 0, len(in))
	for _, f := range in {
		out = append(out, failure{EntryID: f.EntryID, Resource: f.Resource.Ref(), Code: f.Code, Message: f.Message})
	}
	return out
}

func toResult(r coordinator.Result) resultResponse {
	return resultResponse{Subscription: r.Subscription, Applied: r.Applied, Failures: failures(r.Failures)}
}

func (h *SubscriptionHandler) Request(c echo.Context) error {
	var body requestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	scope, err := model.DecodeScope(body.Scope)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, created, err := h.svc.RequestAccess(c.Request().Context(), coordinator.AccessRequest{
		Owner:          body.Owner,
		Subscriber:     body.Subscriber,
		Scope:          scope,
		Grants:         body.Grants,
		SkipValidation: body.SkipValidation,
	})
	if err != nil {
		return h.fail(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]any{"subscription_id": id, "created": created})
}

func (h *SubscriptionHandler) Get(c echo.Context) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	s, err := h.svc.Get(c.Request().Context(), id, force)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *SubscriptionHandler) Search(c echo.Context) error {
	q, err := pageQuery(c)
	if err != nil {
		return err
	}
	page, err := h.svc.Search(c.Request().Context(), c.QueryParam("filter"), q)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, pageResponse[model.Subscription]{Items: nonNil(page.Items), NextToken: page.NextToken})
}

func (h *SubscriptionHandler) ListForOwner(c echo.Context) error {
	owner, err := pathParam(c, "owner")
	if err != nil {
		return err
	}
	status := model.StatusPending
	if v := c.QueryParam("status"); v != "" {
		if status, err = model.ParseStatus(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	q, err := pageQuery(c)
	if err != nil {
		return err
	}
	page, err := h.svc.ListForOwner(c.Request().Context(), owner, status, q)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, pageResponse[model.Subscription]{Items: nonNil(page.Items), NextToken: page.NextToken})
}

func (h *SubscriptionHandler) ListForSubscriber(c echo.Context) error {
	subscriber, err := pathParam(c, "subscriber")
	if err != nil {
		return err
	}
	q, err := pageQuery(c)
	if err != nil {
		return err
	}
	views, next, err := h.svc.ListForSubscriber(c.Request().Context(), subscriber, q)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, pageResponse[model.View]{Items: nonNil(views), NextToken: next})
}

func (h *SubscriptionHandler) Approve(c echo.Context) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	var body grantBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Approve(c.Request().Context(), id, coordinator.GrantRequest(body))
	if err != nil {
		return h.failResult(c, res, err)
	}
	return c.JSON(http.StatusOK, toResult(res))
}

func (h *SubscriptionHandler) ModifyGrants(c echo.Context) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	var body grantBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Permitted == nil {
		body.Permitted = []string{}
	}
	res, err := h.svc.ModifyGrants(c.Request().Context(), id, coordinator.GrantRequest(body))
	if err != nil {
		return h.failResult(c, res, err)
	}
	return c.JSON(http.StatusOK, toResult(res))
}

func (h *SubscriptionHandler) Deny(c echo.Context) error {
	return h.notesOp(c, h.svc.Deny)
}

func (h *SubscriptionHandler) Resubmit(c echo.Context) error {
	return h.notesOp(c, h.svc.Resubmit)
}

func (h *SubscriptionHandler) notesOp(c echo.Context, op func(context.Context, uuid.UUID, []string) (*model.Subscription, error)) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	var body notesBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, err := op(c.Request().Context(), id, body.Notes)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *SubscriptionHandler) Finalize(c echo.Context) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.Finalize(c.Request().Context(), id)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"accepted": n})
}

func (h *SubscriptionHandler) Delete(c echo.Context) error {
	id, err := subscriptionID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Delete(c.Request().Context(), id, c.QueryParam("reason"))
	if err != nil {
		return h.failResult(c, res, err)
	}
	return c.JSON(http.StatusOK, toResult(res))
}

func subscriptionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid subscription id")
	}
	return id, nil
}

// pathParam unescapes a principal segment; ARNs arrive with %2F for slashes.
func pathParam(c echo.Context, name string) (string, error) {
	v, err := url.PathUnescape(c.Param(name))
	if err != nil || v == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func pageQuery(c echo.Context) (store.Query, error) {
	q := store.Query{StartToken: c.QueryParam("next_token")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = n
	}
	return q, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// failResult reports an operation error along with any entries the
// authorization service rejected.
func (h *SubscriptionHandler) failResult(c echo.Context, res coordinator.Result, err error) error {
	if len(res.Failures) == 0 {
		return h.fail(err)
	}
	he := h.fail(err).(*echo.HTTPError)
	return c.JSON(he.Code, map[string]any{"message": he.Message, "failures": failures(res.Failures)})
}

func (h *SubscriptionHandler) fail(err error) error {
	var sve *coordinator.ScopeValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "subscription not found")
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, coordinator.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &sve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, tracker.ErrInvalidRequest), errors.Is(err, model.ErrInvalidScope),
		errors.Is(err, store.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
