// Package coordinator runs subscription operations end to end: it resolves
// grant targets, applies permission changes to the authorization service
// and records the outcome through the tracker.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/catalog"
	"example.com/data-mesh/internal/filter"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/metrics"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/shares"
	"example.com/data-mesh/internal/store"
	"example.com/data-mesh/internal/tracker"
)

var (
	// ErrNothingApplied means a batch had entries and the authorization
	// service rejected all of them.
	ErrNothingApplied = errors.New("no permission entries were applied")
	ErrNotActive      = errors.New("subscription is not active")
)

// ScopeValidationError reports a scope naming catalog objects that do not
// exist.
type ScopeValidationError struct {
	Err error
}

func (e *ScopeValidationError) Error() string { return "scope validation: " + e.Err.Error() }

func (e *ScopeValidationError) Unwrap() error { return e.Err }

// Result is the outcome of an operation that touched the authorization
// service. Failures lists rejected entries; the subscription reflects only
// what was applied.
type Result struct {
	Subscription *model.Subscription `json:"subscription,omitempty"`
	Applied      int                 `json:"applied"`
	Failures     []authz.Failure     `json:"failures,omitempty"`
}

type Deps struct {
	Tracker *tracker.Tracker
	Authz   authz.Client
	Catalog *catalog.Resolver
	Shares  shares.Client
	Filter  *filter.Engine
	Locator grants.Locator
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// MeshAccount sends the resource-share invitations accepted by Finalize.
	MeshAccount string
}

type Coordinator struct {
	tracker     *tracker.Tracker
	authz       authz.Client
	catalog     *catalog.Resolver
	shares      shares.Client
	filter      *filter.Engine
	locator     grants.Locator
	metrics     *metrics.Metrics
	meshAccount string
	tracer      trace.Tracer
	logger      *zap.Logger
}

func New(d Deps) *Coordinator {
	return &Coordinator{
		tracker:     d.Tracker,
		authz:       d.Authz,
		catalog:     d.Catalog,
		shares:      d.Shares,
		filter:      d.Filter,
		locator:     d.Locator,
		metrics:     d.Metrics,
		meshAccount: d.MeshAccount,
		tracer:      otel.Tracer("example.com/data-mesh/coordinator"),
		logger:      d.Logger.Named("coordinator"),
	}
}

func (c *Coordinator) start(ctx context.Context, op string, id uuid.UUID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if id != uuid.Nil {
		attrs = append(attrs, attribute.String("subscription.id", id.String()))
	}
	return c.tracer.Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type AccessRequest struct {
	Owner      string
	Subscriber string
	Scope      model.Scope
	Grants     []string
	// SkipValidation bypasses catalog existence checks for callers that
	// cannot see the producer catalog.
	SkipValidation bool
}

// RequestAccess validates the scope against the catalog and returns the id
// of a new or matching live subscription.
func (c *Coordinator) RequestAccess(ctx context.Context, r AccessRequest) (id uuid.UUID, created bool, err error) {
	ctx, span := c.start(ctx, "RequestAccess", uuid.Nil)
	defer func() { end(span, err) }()

	if err := model.ValidateScope(r.Scope); err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}
	if !r.SkipValidation {
		if err := c.catalog.Validate(ctx, r.Scope); err != nil {
			return uuid.Nil, false, scopeError(err)
		}
	}
	return c.tracker.CreateOrFind(ctx, r.Owner, r.Subscriber, r.Scope, r.Grants)
}

func scopeError(err error) error {
	var missing *catalog.MissingError
	if errors.As(err, &missing) {
		return &ScopeValidationError{Err: err}
	}
	return err
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID, force bool) (*model.Subscription, error) {
	return c.tracker.Get(ctx, id, force)
}

func (c *Coordinator) ListPendingForOwner(ctx context.Context, owner string, q store.Query) (store.Page, error) {
	return c.tracker.ListForOwner(ctx, owner, model.StatusPending, q)
}

func (c *Coordinator) ListForOwner(ctx context.Context, owner string, status model.Status, q store.Query) (store.Page, error) {
	return c.tracker.ListForOwner(ctx, owner, status, q)
}

func (c *Coordinator) ListForSubscriber(ctx context.Context, subscriber string, q store.Query) ([]model.View, string, error) {
	return c.tracker.ListForSubscriber(ctx, subscriber, q)
}

// Search scans subscriptions matching a filter expression. An empty
// expression matches everything.
func (c *Coordinator) Search(ctx context.Context, expr string, q store.Query) (store.Page, error) {
	if expr == "" {
		return c.tracker.Search(ctx, nil, q)
	}
	pred, err := c.filter.Predicate(expr)
	if err != nil {
		return store.Page{}, fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}
	return c.tracker.Search(ctx, pred, q)
}

// GrantRequest carries permission sets for approve and modify. A nil
// Permitted on approve falls back to the requested permissions.
type GrantRequest struct {
	Permitted []string
	Grantable []string
	Notes     []string
}

func parseState(permitted, grantable []string) (grants.State, error) {
	p, err := grants.Parse(permitted)
	if err != nil {
		return grants.State{}, fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}
	g, err := grants.Parse(grantable)
	if err != nil {
		return grants.State{}, fmt.Errorf("%w: %v", tracker.ErrInvalidRequest, err)
	}
	return grants.State{Permitted: p, Grantable: g}, nil
}

func recorded(s *model.Subscription) grants.State {
	return grants.NewState(s.PermittedGrants, s.GrantableGrants)
}

// Approve grants the effective permissions on every resource in scope and
// moves the subscription to Active. Re-approving an Active subscription
// reconciles it against the new permission set.
func (c *Coordinator) Approve(ctx context.Context, id uuid.UUID, r GrantRequest) (res Result, err error) {
	ctx, span := c.start(ctx, "Approve", id)
	defer func() { end(span, err) }()

	sub, err := c.tracker.Get(ctx, id, true)
	if err != nil {
		return Result{}, err
	}
	if err := model.CheckTransition(sub.Status, model.StatusActive); err != nil {
		return Result{}, err
	}
	permitted := r.Permitted
	if permitted == nil {
		permitted = sub.RequestedGrants
	}
	desired, err := parseState(permitted, r.Grantable)
	if err != nil {
		return Result{}, err
	}

	current, refs, shareRefs := grants.State{}, []string(nil), model.ShareRefs{}
	if sub.Status == model.StatusActive {
		current, refs = recorded(sub), sub.GrantedResourceRefs
		for k, v := range sub.ShareRefs {
			shareRefs[k] = v
		}
	}

	l, res, targets, err := c.reconcile(ctx, sub, current, refs, desired)
	if err != nil {
		return res, err
	}
	c.discoverShares(ctx, sub, targets, l, shareRefs)

	gs := l.grantState()
	updated, err := c.tracker.UpdateStatus(ctx, id, model.StatusActive, model.AllowedPriors(model.StatusActive), tracker.Update{
		Grants:    &gs,
		Resources: &store.ResourceState{Refs: l.refList(), Shares: shareRefs},
		Notes:     r.Notes,
	})
	if err != nil {
		return res, err
	}
	res.Subscription = updated
	return res, nil
}

// ModifyGrants moves an Active subscription to a new permission set. Adds
// are applied first and revokes are computed against the state they leave.
func (c *Coordinator) ModifyGrants(ctx context.Context, id uuid.UUID, r GrantRequest) (res Result, err error) {
	ctx, span := c.start(ctx, "ModifyGrants", id)
	defer func() { end(span, err) }()

	sub, err := c.tracker.Get(ctx, id, false)
	if err != nil {
		return Result{}, err
	}
	if sub.Status != model.StatusActive {
		return Result{}, fmt.Errorf("%w: %s", ErrNotActive, sub.Status)
	}
	desired, err := parseState(r.Permitted, r.Grantable)
	if err != nil {
		return Result{}, err
	}
	shareRefs := model.ShareRefs{}
	for k, v := range sub.ShareRefs {
		shareRefs[k] = v
	}

	l, res, targets, err := c.reconcile(ctx, sub, recorded(sub), sub.GrantedResourceRefs, desired)
	if err != nil {
		return res, err
	}
	c.discoverShares(ctx, sub, targets, l, shareRefs)

	updated, err := c.tracker.UpdateGrants(ctx, id, l.grantState(),
		&store.ResourceState{Refs: l.refList(), Shares: shareRefs}, r.Notes)
	if err != nil {
		return res, err
	}
	res.Subscription = updated
	return res, nil
}

// reconcile applies the grants and then the revokes that move a subscription
// from current to desired on every resource in its scope. Each target is
// diffed on its own: a target missing from refs holds nothing yet, so a
// replayed approval re-grants whatever an earlier batch failed to apply.
func (c *Coordinator) reconcile(ctx context.Context, sub *model.Subscription, current grants.State, refs []string, desired grants.State) (*ledger, Result, []grants.Resource, error) {
	var res Result
	targets, err := c.targets(ctx, sub.Scope.Scope)
	if err != nil {
		return nil, res, nil, err
	}
	l := newLedger(current, refs, desired.Permitted.Union(desired.Grantable))
	principal := sub.SubscriberPrincipal
	total := 0

	var entries []grants.Entry
	for _, t := range targets {
		cur := grants.State{}
		if l.holds(t) {
			cur = current
		}
		entries = append(entries, grants.Diff(cur, desired).GrantEntries(principal, t)...)
	}
	if len(entries) > 0 {
		if db, ok := c.locator.ScopeDatabase(sub.Scope.Scope); ok {
			if err := c.authz.Grant(ctx, grants.Entry{
				ID:          uuid.NewString(),
				Principal:   principal,
				Resource:    db,
				Permissions: []string{grants.Describe},
			}); err != nil {
				return nil, res, nil, err
			}
		}
		br, err := c.authz.BatchGrant(ctx, entries)
		if err != nil {
			return nil, res, nil, err
		}
		c.tally(sub.ID, "grant", br)
		l.granted(entries, br)
		total += len(entries)
		res.Applied += br.Applied
		res.Failures = append(res.Failures, br.Failures...)
	}

	entries = nil
	after := l.state()
	for _, t := range targets {
		if l.holds(t) {
			entries = append(entries, grants.Diff(after, desired).RevokeEntries(principal, t)...)
		}
	}
	if len(entries) > 0 {
		br, err := c.authz.BatchRevoke(ctx, entries)
		if err != nil {
			return nil, res, nil, err
		}
		c.tally(sub.ID, "revoke", br)
		l.revoked(entries, br)
		total += len(entries)
		res.Applied += br.Applied
		res.Failures = append(res.Failures, br.Failures...)
	}

	if total > 0 && res.Applied == 0 {
		return nil, res, nil, fmt.Errorf("%w: %d entries rejected", ErrNothingApplied, len(res.Failures))
	}
	return l, res, targets, nil
}

func (c *Coordinator) targets(ctx context.Context, s model.Scope) ([]grants.Resource, error) {
	var tables []string
	if ts, ok := s.(model.TablesScope); ok {
		var err error
		if tables, err = c.catalog.Tables(ctx, ts.Database, ts.Tables); err != nil {
			return nil, scopeError(err)
		}
	}
	return c.locator.ScopeResources(s, tables), nil
}

func (c *Coordinator) tally(id uuid.UUID, op string, br authz.BatchResult) {
	if c.metrics != nil {
		c.metrics.Entries(op, br.Applied, len(br.Failures))
	}
	if len(br.Failures) > 0 {
		c.logger.Warn("batch partially applied",
			zap.String("subscriptionID", id.String()),
			zap.String("op", op),
			zap.Int("applied", br.Applied),
			zap.Int("failed", len(br.Failures)))
	}
}

// discoverShares records the cross-account resource shares carrying grants
// on targets that hold an applied grant, and on the scope database once any
// of them does. Lookup failures are logged and leave the existing handles in
// place.
func (c *Coordinator) discoverShares(ctx context.Context, sub *model.Subscription, targets []grants.Resource, l *ledger, into model.ShareRefs) {
	var held []grants.Resource
	for _, t := range targets {
		if l.holds(t) {
			held = append(held, t)
		}
	}
	if len(held) == 0 {
		return
	}
	if db, ok := c.locator.ScopeDatabase(sub.Scope.Scope); ok {
		held = append(held, db)
	}
	for _, r := range held {
		pgs, err := c.authz.ListGrants(ctx, sub.SubscriberPrincipal, r)
		if err != nil {
			c.logger.Warn("list grants failed", zap.String("resource", r.String()), zap.Error(err))
			continue
		}
		for _, g := range pgs {
			for _, h := range g.ShareHandles {
				into[r.String()] = model.ShareRef{Type: string(r.Kind), ARN: h}
			}
		}
	}
}

// Deny rejects a Pending subscription. Nothing is granted or revoked.
func (c *Coordinator) Deny(ctx context.Context, id uuid.UUID, notes []string) (s *model.Subscription, err error) {
	ctx, span := c.start(ctx, "Deny", id)
	defer func() { end(span, err) }()
	return c.tracker.UpdateStatus(ctx, id, model.StatusDenied, model.AllowedPriors(model.StatusDenied), tracker.Update{Notes: notes})
}

// Delete revokes everything recorded on an Active subscription, detaches its
// resource shares and moves it to Deleted.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID, reason string) (res Result, err error) {
	ctx, span := c.start(ctx, "Delete", id)
	defer func() { end(span, err) }()

	sub, err := c.tracker.Get(ctx, id, true)
	if err != nil {
		return Result{}, err
	}
	if err := model.CheckTransition(sub.Status, model.StatusDeleted); err != nil {
		return Result{}, err
	}

	current := recorded(sub)
	perms := current.Permitted.Union(current.Grantable)
	perms.Add(grants.Describe)
	l := newLedger(current, sub.GrantedResourceRefs, current.Permitted)
	principal := sub.SubscriberPrincipal

	var entries []grants.Entry
	for _, ref := range sub.GrantedResourceRefs {
		r, err := grants.ParseRef(ref)
		if err != nil {
			return Result{}, err
		}
		entries = append(entries, grants.Entries(principal, r, perms, current.Grantable)...)
	}
	if len(entries) > 0 {
		br, err := c.authz.BatchRevoke(ctx, entries)
		if err != nil {
			return Result{}, err
		}
		c.tally(id, "revoke", br)
		if br.Applied == 0 {
			return Result{Failures: br.Failures}, fmt.Errorf("%w: %d entries rejected", ErrNothingApplied, len(br.Failures))
		}
		l.revoked(entries, br)
		res.Applied, res.Failures = br.Applied, br.Failures
	}

	inUse, err := c.releaseDatabase(ctx, sub)
	if err != nil {
		return res, err
	}
	detach := sub.ShareRefs
	if inUse {
		detach = model.ShareRefs{}
		for k, v := range sub.ShareRefs {
			if v.Type != string(grants.KindDatabase) {
				detach[k] = v
			}
		}
	}
	for _, arn := range detach.ShareARNs() {
		if err := c.shares.Detach(ctx, arn, principal); err != nil {
			return res, err
		}
	}

	var notes []string
	if reason != "" {
		notes = []string{reason}
	}
	gs := l.grantState()
	updated, err := c.tracker.UpdateStatus(ctx, id, model.StatusDeleted, model.AllowedPriors(model.StatusDeleted), tracker.Update{
		Grants:    &gs,
		Resources: &store.ResourceState{Refs: l.refList(), Shares: model.ShareRefs{}},
		Notes:     notes,
	})
	if err != nil {
		return res, err
	}
	res.Subscription = updated
	return res, nil
}

// releaseDatabase revokes DESCRIBE on the scope database unless another
// Active subscription of the same subscriber still targets it, in which
// case it reports the database as in use.
func (c *Coordinator) releaseDatabase(ctx context.Context, sub *model.Subscription) (bool, error) {
	db, ok := c.locator.ScopeDatabase(sub.Scope.Scope)
	if !ok {
		return false, nil
	}
	q := store.Query{Limit: store.MaxLimit}
	for {
		views, next, err := c.tracker.ListForSubscriber(ctx, sub.SubscriberPrincipal, q)
		if err != nil {
			return false, err
		}
		for _, v := range views {
			if v.ID == sub.ID || model.DatabaseOf(v.Scope.Scope) != db.Database {
				continue
			}
			other, err := c.tracker.Get(ctx, v.ID, false)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return false, err
			}
			if other.Status == model.StatusActive {
				c.logger.Info("database still in use, keeping describe",
					zap.String("subscriptionID", sub.ID.String()),
					zap.String("database", db.Database))
				return true, nil
			}
		}
		if next == "" {
			break
		}
		q.StartToken = next
	}
	return false, c.authz.Revoke(ctx, grants.Entry{
		ID:          uuid.NewString(),
		Principal:   sub.SubscriberPrincipal,
		Resource:    db,
		Permissions: []string{grants.Describe},
	})
}

// Resubmit re-requests a Deleted subscription, clearing what was recorded
// as granted.
func (c *Coordinator) Resubmit(ctx context.Context, id uuid.UUID, notes []string) (s *model.Subscription, err error) {
	ctx, span := c.start(ctx, "Resubmit", id)
	defer func() { end(span, err) }()
	return c.tracker.UpdateStatus(ctx, id, model.StatusPending, model.AllowedPriors(model.StatusPending), tracker.Update{
		Grants:    &store.GrantState{Permitted: []string{}, Grantable: []string{}},
		Resources: &store.ResourceState{Refs: []string{}, Shares: model.ShareRefs{}},
		Notes:     notes,
	})
}

// Finalize accepts the pending resource-share invitations the mesh account
// sent for an Active subscription and returns how many were accepted.
func (c *Coordinator) Finalize(ctx context.Context, id uuid.UUID) (n int, err error) {
	ctx, span := c.start(ctx, "Finalize", id)
	defer func() { end(span, err) }()

	sub, err := c.tracker.Get(ctx, id, false)
	if err != nil {
		return 0, err
	}
	if sub.Status != model.StatusActive {
		return 0, fmt.Errorf("%w: %s", ErrNotActive, sub.Status)
	}
	n, err = c.shares.AcceptInvitations(ctx, c.meshAccount)
	if err != nil {
		return 0, err
	}
	c.logger.Info("accepted share invitations", zap.String("subscriptionID", id.String()), zap.Int("accepted", n))
	return n, nil
}
