package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/catalog"
	"example.com/data-mesh/internal/filter"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/identity"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/store"
	"example.com/data-mesh/internal/store/storetest"
	"example.com/data-mesh/internal/tracker"
)

const (
	owner      = "111111111111"
	subscriber = "222222222222"
	shareARN   = "arn:aws:ram:eu-west-1:111111111111:resource-share/abc"
	dbShareARN = "arn:aws:ram:eu-west-1:111111111111:resource-share/db"
)

type fakeAuthz struct {
	reject  func(grants.Entry) bool
	grants  []grants.Entry
	revokes []grants.Entry
	single  []string
}

func (f *fakeAuthz) Grant(_ context.Context, e grants.Entry) error {
	f.single = append(f.single, "grant "+e.Resource.String())
	return nil
}

func (f *fakeAuthz) Revoke(_ context.Context, e grants.Entry) error {
	f.single = append(f.single, "revoke "+e.Resource.String())
	return nil
}

func (f *fakeAuthz) batch(entries []grants.Entry) authz.BatchResult {
	var res authz.BatchResult
	for _, e := range entries {
		if f.reject != nil && f.reject(e) {
			res.Failures = append(res.Failures, authz.Failure{EntryID: e.ID, Resource: e.Resource, Code: "InvalidInputException"})
			continue
		}
		res.Applied++
	}
	return res
}

func (f *fakeAuthz) BatchGrant(_ context.Context, entries []grants.Entry) (authz.BatchResult, error) {
	f.grants = append(f.grants, entries...)
	return f.batch(entries), nil
}

func (f *fakeAuthz) BatchRevoke(_ context.Context, entries []grants.Entry) (authz.BatchResult, error) {
	f.revokes = append(f.revokes, entries...)
	return f.batch(entries), nil
}

func (f *fakeAuthz) ListGrants(_ context.Context, principal string, r grants.Resource) ([]authz.PrincipalGrant, error) {
	h := shareARN
	if r.Kind == grants.KindDatabase {
		h = dbShareARN
	}
	return []authz.PrincipalGrant{{Principal: principal, Resource: r, ShareHandles: []string{h}}}, nil
}

type fakeShares struct {
	detached []string
	accepted string
}

func (f *fakeShares) Detach(_ context.Context, arn, _ string) error {
	f.detached = append(f.detached, arn)
	return nil
}

func (f *fakeShares) AcceptInvitations(_ context.Context, sender string) (int, error) {
	f.accepted = sender
	return 1, nil
}

type memCatalog map[string][]string

func (m memCatalog) DatabaseExists(_ context.Context, db string) (bool, error) {
	_, ok := m[db]
	return ok, nil
}

func (m memCatalog) TableExists(_ context.Context, db, table string) (bool, error) {
	for _, t := range m[db] {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

func (m memCatalog) ListTables(_ context.Context, db string) ([]string, error) {
	return m[db], nil
}

type fixture struct {
	c      *Coordinator
	authz  *fakeAuthz
	shares *fakeShares
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := filter.NewEngine()
	require.NoError(t, err)
	f := &fixture{authz: &fakeAuthz{}, shares: &fakeShares{}}
	f.c = New(Deps{
		Tracker: tracker.New(store.NewSubscriptionSQL(storetest.NewSQLite(t)), identity.Static("steward"), zap.NewNop(),
			tracker.WithClock(func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) })),
		Authz:       f.authz,
		Catalog:     catalog.NewResolver(memCatalog{"sales": {"orders", "customers", "returns", "orders_2024"}}),
		Shares:      f.shares,
		Filter:      engine,
		Locator:     grants.Locator{Region: "eu-west-1", CatalogID: owner},
		Logger:      zap.NewNop(),
		MeshAccount: "999999999999",
	})
	return f
}

func (f *fixture) request(t *testing.T, scope model.Scope, perms ...string) *model.Subscription {
	t.Helper()
	id, _, err := f.c.RequestAccess(context.Background(), AccessRequest{
		Owner: owner, Subscriber: subscriber, Scope: scope, Grants: perms,
	})
	require.NoError(t, err)
	s, err := f.c.Get(context.Background(), id, false)
	require.NoError(t, err)
	return s
}

func TestApprovePartialBatchRecordsOnlyApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders", "customers", "returns"}}, "INSERT")
	f.authz.reject = func(e grants.Entry) bool { return e.Resource.Table == "returns" }

	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "returns", res.Failures[0].Resource.Table)

	s := res.Subscription
	assert.Equal(t, model.StatusActive, s.Status)
	assert.Equal(t, []string{"INSERT"}, []string(s.PermittedGrants))
	assert.Len(t, s.GrantedResourceRefs, 2)
	assert.NotContains(t, s.GrantedResourceRefs, grants.Locator{Region: "eu-west-1", CatalogID: owner}.Table("sales", "returns").Ref())
	assert.Equal(t, []string{"grant sales"}, f.authz.single)
}

func TestReapproveGrantsTablesMissedEarlier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders", "customers", "returns"}}, "INSERT")
	f.authz.reject = func(e grants.Entry) bool { return e.Resource.Table == "returns" }
	_, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)

	f.authz.reject = nil
	f.authz.grants = nil
	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	require.Len(t, f.authz.grants, 1)
	assert.Equal(t, "returns", f.authz.grants[0].Resource.Table)
	assert.Equal(t, []string{"DESCRIBE", "INSERT"}, f.authz.grants[0].Permissions)
	assert.Equal(t, 1, res.Applied)
	assert.Len(t, res.Subscription.GrantedResourceRefs, 3)
	assert.Equal(t, []string{"INSERT"}, []string(res.Subscription.PermittedGrants))

	// Once every table holds the grant, replaying sends nothing.
	f.authz.grants = nil
	_, err = f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	assert.Empty(t, f.authz.grants)
}

func TestModifyGrantsSendsFullSetToUngrantedTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders", "returns"}}, "INSERT")
	f.authz.reject = func(e grants.Entry) bool { return e.Resource.Table == "returns" }
	_, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)

	f.authz.reject = nil
	f.authz.grants, f.authz.revokes = nil, nil
	res, err := f.c.ModifyGrants(ctx, sub.ID, GrantRequest{Permitted: []string{"INSERT", "ALTER"}})
	require.NoError(t, err)

	sent := map[string][]string{}
	for _, e := range f.authz.grants {
		sent[e.Resource.Table] = e.Permissions
	}
	assert.Equal(t, []string{"ALTER", "DESCRIBE"}, sent["orders"])
	assert.Equal(t, []string{"ALTER", "DESCRIBE", "INSERT"}, sent["returns"])
	assert.Empty(t, f.authz.revokes)
	assert.Len(t, res.Subscription.GrantedResourceRefs, 2)
}

func TestApproveRecordsDatabaseShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders"}}, "SELECT")

	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	s := res.Subscription
	require.Contains(t, s.ShareRefs, "sales")
	assert.Equal(t, model.ShareRef{Type: string(grants.KindDatabase), ARN: dbShareARN}, s.ShareRefs["sales"])
	assert.Equal(t, shareARN, s.ShareRefs["sales.orders"].ARN)
}

func TestApprovePartialSplitEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders"}}, "SELECT", "INSERT")
	f.authz.reject = func(e grants.Entry) bool { return e.Resource.Kind == grants.KindTableWithColumns }

	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Len(t, res.Failures, 1)
	assert.Equal(t, []string{"INSERT"}, []string(res.Subscription.PermittedGrants))
}

func TestApproveNothingAppliedLeavesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")
	f.authz.reject = func(grants.Entry) bool { return true }

	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	assert.ErrorIs(t, err, ErrNothingApplied)
	assert.Len(t, res.Failures, 1)

	s, err := f.c.Get(ctx, sub.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, s.Status)
}

func TestApproveOverrideAndShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders_*"}}, "SELECT", "INSERT")

	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{Permitted: []string{"SELECT"}, Grantable: []string{"SELECT"}, Notes: []string{"read only"}})
	require.NoError(t, err)
	s := res.Subscription
	assert.Equal(t, []string{"SELECT"}, []string(s.PermittedGrants))
	assert.Equal(t, []string{"SELECT"}, []string(s.GrantableGrants))
	assert.Equal(t, []string{"read only"}, s.NoteTexts())
	require.Contains(t, s.ShareRefs, "sales.orders_2024")
	assert.Equal(t, shareARN, s.ShareRefs["sales.orders_2024"].ARN)

	// Replaying the approval is a no-op against the authorization service.
	granted := len(f.authz.grants)
	res, err = f.c.Approve(ctx, sub.ID, GrantRequest{Permitted: []string{"SELECT"}, Grantable: []string{"SELECT"}})
	require.NoError(t, err)
	assert.Equal(t, granted, len(f.authz.grants))
	assert.Equal(t, model.StatusActive, res.Subscription.Status)
}

func TestApproveRejectsUnknownPermission(t *testing.T) {
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")
	_, err := f.c.Approve(context.Background(), sub.ID, GrantRequest{Permitted: []string{"READ"}})
	assert.ErrorIs(t, err, tracker.ErrInvalidRequest)
	assert.Empty(t, f.authz.grants)
}

func TestModifyGrantsAddsThenRevokes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "INSERT", "ALTER")
	_, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	f.authz.grants, f.authz.revokes = nil, nil

	res, err := f.c.ModifyGrants(ctx, sub.ID, GrantRequest{Permitted: []string{"ALTER", "DELETE"}})
	require.NoError(t, err)
	require.Len(t, f.authz.grants, 1)
	assert.Equal(t, []string{"DELETE", "DESCRIBE"}, f.authz.grants[0].Permissions)
	require.Len(t, f.authz.revokes, 1)
	assert.Equal(t, []string{"INSERT"}, f.authz.revokes[0].Permissions)
	assert.Equal(t, []string{"ALTER", "DELETE"}, []string(res.Subscription.PermittedGrants))
}

func TestModifyGrantsRequiresActive(t *testing.T) {
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")
	_, err := f.c.ModifyGrants(context.Background(), sub.ID, GrantRequest{Permitted: []string{"INSERT"}})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Empty(t, f.authz.grants)
}

func TestDeleteRevokesRecordedGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders", "customers"}}, "INSERT")
	res, err := f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	refs := res.Subscription.GrantedResourceRefs
	require.Len(t, refs, 2)

	res, err = f.c.Delete(ctx, sub.ID, "contract ended")
	require.NoError(t, err)

	revoked := map[string]bool{}
	for _, e := range f.authz.revokes {
		revoked[e.Resource.Ref()] = true
		assert.ElementsMatch(t, []string{"DESCRIBE", "INSERT"}, e.Permissions)
	}
	for _, r := range refs {
		assert.True(t, revoked[r], r)
	}
	assert.Contains(t, f.authz.single, "revoke sales")
	assert.Equal(t, []string{shareARN, dbShareARN}, f.shares.detached)

	s := res.Subscription
	assert.Equal(t, model.StatusDeleted, s.Status)
	assert.Empty(t, s.PermittedGrants)
	assert.Empty(t, s.GrantedResourceRefs)
	assert.Equal(t, []string{"contract ended"}, s.NoteTexts())

	_, err = f.c.Get(ctx, sub.ID, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteKeepsDatabaseDescribeInUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"orders"}}, "SELECT")
	b := f.request(t, model.TablesScope{Database: "sales", Tables: []string{"customers"}}, "SELECT")
	for _, s := range []*model.Subscription{a, b} {
		_, err := f.c.Approve(ctx, s.ID, GrantRequest{})
		require.NoError(t, err)
	}

	_, err := f.c.Delete(ctx, a.ID, "")
	require.NoError(t, err)
	assert.NotContains(t, f.authz.single, "revoke sales")
	assert.Equal(t, []string{shareARN}, f.shares.detached)
}

func TestDeletePendingIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")

	_, err := f.c.Delete(context.Background(), sub.ID, "")
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusPending, te.From)
	assert.Empty(t, f.authz.revokes)
	assert.Empty(t, f.shares.detached)
}

func TestDenyResubmitCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")

	s, err := f.c.Deny(ctx, sub.ID, []string{"missing justification"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDenied, s.Status)

	_, err = f.c.Resubmit(ctx, sub.ID, nil)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	_, err = f.c.Delete(ctx, sub.ID, "")
	require.NoError(t, err)

	s, err = f.c.Resubmit(ctx, sub.ID, []string{"again"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, s.Status)
	assert.Empty(t, s.PermittedGrants)
}

func TestRequestAccessValidatesScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := AccessRequest{
		Owner: owner, Subscriber: subscriber,
		Scope:  model.TablesScope{Database: "sales", Tables: []string{"invoices"}},
		Grants: []string{"SELECT"},
	}

	_, _, err := f.c.RequestAccess(ctx, req)
	var sve *ScopeValidationError
	require.True(t, errors.As(err, &sve))

	req.SkipValidation = true
	_, created, err := f.c.RequestAccess(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFinalizeAndSearch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.request(t, model.DatabaseScope{Database: "sales"}, "SELECT")

	_, err := f.c.Finalize(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = f.c.Approve(ctx, sub.ID, GrantRequest{})
	require.NoError(t, err)
	n, err := f.c.Finalize(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "999999999999", f.shares.accepted)

	page, err := f.c.Search(ctx, `status == "Active" && "SELECT" in permitted`, store.Query{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	_, err = f.c.Search(ctx, `status ==`, store.Query{})
	assert.ErrorIs(t, err, tracker.ErrInvalidRequest)
}
