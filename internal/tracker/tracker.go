// Package tracker records subscription lifecycle changes on top of a
// subscription store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/events"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/identity"
	"example.com/data-mesh/internal/metrics"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/store"
)

var ErrInvalidRequest = errors.New("invalid request")

type Tracker struct {
	store    store.Store
	identity identity.Provider
	events   events.Publisher
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithPublisher(p events.Publisher) Option { return func(t *Tracker) { t.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func New(st store.Store, id identity.Provider, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		identity: id,
		events:   events.NewNoop(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("tracker"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CreateOrFind returns the id of the live subscription matching subscriber,
// scope and requested permissions, creating a Pending one when none exists.
// Two identical concurrent calls may both create a record.
func (t *Tracker) CreateOrFind(ctx context.Context, owner, subscriber string, scope model.Scope, requested []string) (uuid.UUID, bool, error) {
	if owner == "" || subscriber == "" {
		return uuid.Nil, false, fmt.Errorf("%w: owner and subscriber are required", ErrInvalidRequest)
	}
	if err := model.ValidateScope(scope); err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	perms, err := grants.Parse(requested)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if perms.Len() == 0 {
		return uuid.Nil, false, fmt.Errorf("%w: at least one permission is required", ErrInvalidRequest)
	}
	key := model.DedupKey(subscriber, scope, perms.Sorted())

	q := store.Query{Limit: store.MaxLimit}
	for {
		page, err := t.store.QueryBySubscriber(ctx, subscriber, q)
		if err != nil {
			return uuid.Nil, false, err
		}
		for _, s := range page.Items {
			if s.DedupKey == key && s.Status != model.StatusDeleted {
				t.logger.Info("matched existing subscription", zap.String("subscriptionID", s.ID.String()))
				return s.ID, false, nil
			}
		}
		if page.NextToken == "" {
			break
		}
		q.StartToken = page.NextToken
	}

	actor, err := t.identity.Actor(ctx)
	if err != nil {
		return uuid.Nil, false, err
	}
	now := t.now()
	s := &model.Subscription{
		ID:                  uuid.New(),
		OwnerPrincipal:      owner,
		SubscriberPrincipal: subscriber,
		Status:              model.StatusPending,
		Scope:               model.ScopeField{Scope: scope},
		DedupKey:            key,
		RequestedGrants:     perms.Sorted(),
		PermittedGrants:     model.Tokens{},
		GrantableGrants:     model.Tokens{},
		GrantedResourceRefs: model.Tokens{},
		CreatedAt:           now,
		CreatedBy:           actor,
		UpdatedAt:           now,
	}
	if err := t.store.Put(ctx, s); err != nil {
		return uuid.Nil, false, err
	}
	t.logger.Info("created subscription", zap.String("subscriptionID", s.ID.String()), zap.String("subscriber", subscriber))
	if t.metrics != nil {
		t.metrics.Transition(string(model.StatusPending))
	}
	t.publish(ctx, events.TypeRequested, s, actor)
	return s.ID, true, nil
}

// Get hides Deleted subscriptions unless force is set.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID, force bool) (*model.Subscription, error) {
	s, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.StatusDeleted && !force {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (t *Tracker) ListForOwner(ctx context.Context, owner string, status model.Status, q store.Query) (store.Page, error) {
	return t.store.QueryByOwner(ctx, owner, status, q)
}

// ListForSubscriber returns subscriber-facing views, without owner or status.
func (t *Tracker) ListForSubscriber(ctx context.Context, subscriber string, q store.Query) ([]model.View, string, error) {
	page, err := t.store.QueryBySubscriber(ctx, subscriber, q)
	if err != nil {
		return nil, "", err
	}
	views := make([]model.View, 0, len(page.Items))
	for i := range page.Items {
		views = append(views, page.Items[i].View())
	}
	return views, page.NextToken, nil
}

func (t *Tracker) Search(ctx context.Context, filter store.Predicate, q store.Query) (store.Page, error) {
	return t.store.Scan(ctx, filter, q)
}

// Update carries the optional fields written with a status change.
type Update struct {
	Grants    *store.GrantState
	Resources *store.ResourceState
	Notes     []string
}

// UpdateStatus moves a subscription to `to` if its stored status is one of
// allowed. Every status in allowed must be a legal prior of `to`. A lost
// conditional write is not retried.
func (t *Tracker) UpdateStatus(ctx context.Context, id uuid.UUID, to model.Status, allowed []model.Status, u Update) (*model.Subscription, error) {
	if err := model.CheckGuard(allowed, to); err != nil {
		return nil, err
	}
	s, actor, err := t.update(ctx, id, store.Mutation{
		Status:    to,
		Grants:    u.Grants,
		Resources: u.Resources,
		Notes:     u.Notes,
	}, allowed)
	if err != nil {
		var ce *store.ConditionError
		if errors.As(err, &ce) && !model.CanTransition(ce.Current, to) {
			return nil, &model.TransitionError{From: ce.Current, To: to}
		}
		return nil, err
	}
	t.logger.Info("subscription status changed", zap.String("subscriptionID", id.String()), zap.String("to", string(to)))
	if t.metrics != nil {
		t.metrics.Transition(string(to))
	}
	t.publish(ctx, eventFor(to), s, actor)
	return s, nil
}

// UpdateGrants rewrites the recorded grants of an Active subscription.
func (t *Tracker) UpdateGrants(ctx context.Context, id uuid.UUID, g store.GrantState, r *store.ResourceState, notes []string) (*model.Subscription, error) {
	s, actor, err := t.update(ctx, id, store.Mutation{Grants: &g, Resources: r, Notes: notes}, []model.Status{model.StatusActive})
	if err != nil {
		return nil, err
	}
	t.publish(ctx, events.TypeGrantsChanged, s, actor)
	return s, nil
}

func (t *Tracker) update(ctx context.Context, id uuid.UUID, m store.Mutation, allowed []model.Status) (*model.Subscription, string, error) {
	actor, err := t.identity.Actor(ctx)
	if err != nil {
		return nil, "", err
	}
	m.Actor = actor
	m.At = t.now()
	s, err := t.store.ConditionalUpdate(ctx, id, m, allowed)
	return s, actor, err
}

func eventFor(to model.Status) string {
	switch to {
	case model.StatusActive:
		return events.TypeApproved
	case model.StatusDenied:
		return events.TypeDenied
	case model.StatusDeleted:
		return events.TypeDeleted
	}
	return events.TypeResubmitted
}

// publish is best effort: the change is already committed.
func (t *Tracker) publish(ctx context.Context, typ string, s *model.Subscription, actor string) {
	err := t.events.Publish(ctx, events.Event{
		Type:           typ,
		SubscriptionID: s.ID,
		Owner:          s.OwnerPrincipal,
		Subscriber:     s.SubscriberPrincipal,
		Status:         string(s.Status),
		Permitted:      s.PermittedGrants,
		Grantable:      s.GrantableGrants,
		Actor:          actor,
		At:             s.UpdatedAt,
	})
	if err != nil {
		t.logger.Warn("event not published", zap.String("type", typ), zap.String("subscriptionID", s.ID.String()), zap.Error(err))
	}
}
