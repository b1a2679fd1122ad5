package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/data-mesh/internal/model"
)

var (
	ErrNotFound               = errors.New("subscription not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidToken           = errors.New("invalid page token")
)

// ConditionError is returned when a conditional update finds the record in
// a status outside the allowed set.
type ConditionError struct {
	ID      uuid.UUID
	Current model.Status
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("subscription %s: conditional update failed, status is %s", e.ID, e.Current)
}

func (e *ConditionError) Unwrap() error { return ErrConcurrentModification }

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Query struct {
	Limit          int
	StartToken     string
	IncludeDeleted bool
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

type Page struct {
	Items     []model.Subscription
	NextToken string
}

// Predicate filters scanned records.
type Predicate func(*model.Subscription) (bool, error)

type GrantState struct {
	Permitted []string `json:"permitted"`
	Grantable []string `json:"grantable"`
}

type ResourceState struct {
	Refs   []string        `json:"refs"`
	Shares model.ShareRefs `json:"shares,omitempty"`
}

// Mutation describes one conditional update. An empty Status keeps the
// current one; nil Grants or Resources leave those fields untouched. Notes
// are unioned into the existing set.
type Mutation struct {
	Status    model.Status
	Grants    *GrantState
	Resources *ResourceState
	Notes     []string
	Actor     string
	At        time.Time
}

type Store interface {
	Put(ctx context.Context, s *model.Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, m Mutation, allowed []model.Status) (*model.Subscription, error)
	QueryByOwner(ctx context.Context, owner string, status model.Status, q Query) (Page, error)
	QueryBySubscriber(ctx context.Context, subscriber string, q Query) (Page, error)
	Scan(ctx context.Context, filter Predicate, q Query) (Page, error)
}

func statusIn(s model.Status, set []model.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cleanNotes(notes []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
