// Package authz applies permission entries to the data lake authorization
// service.
package authz

import (
	"context"

	"example.com/data-mesh/internal/grants"
)

// Failure is one rejected batch entry.
type Failure struct {
	EntryID  string          `json:"entry_id"`
	Resource grants.Resource `json:"resource"`
	Code     string          `json:"code"`
	Message  string          `json:"message,omitempty"`
}

// BatchResult reports a batch that may have partially failed. Applied counts
// the entries that took effect.
type BatchResult struct {
	Applied  int
	Failures []Failure
}

// Succeeded returns the entries of a batch that were not reported as failed.
func (r BatchResult) Succeeded(entries []grants.Entry) []grants.Entry {
	if len(r.Failures) == 0 {
		return entries
	}
	failed := make(map[string]struct{}, len(r.Failures))
	for _, f := range r.Failures {
		failed[f.EntryID] = struct{}{}
	}
	out := make([]grants.Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := failed[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *BatchResult) merge(o BatchResult) {
	r.Applied += o.Applied
	r.Failures = append(r.Failures, o.Failures...)
}

// PrincipalGrant is one principal's permissions on a resource. ShareHandles
// are the cross-account resource shares that carry the grant.
type PrincipalGrant struct {
	Principal    string
	Resource     grants.Resource
	Permissions  []string
	Grantable    []string
	ShareHandles []string
}

type Client interface {
	Grant(ctx context.Context, e grants.Entry) error
	Revoke(ctx context.Context, e grants.Entry) error
	BatchGrant(ctx context.Context, entries []grants.Entry) (BatchResult, error)
	BatchRevoke(ctx context.Context, entries []grants.Entry) (BatchResult, error)
	// ListGrants lists grants on r, restricted to principal when it is set.
	ListGrants(ctx context.Context, principal string, r grants.Resource) ([]PrincipalGrant, error)
}
