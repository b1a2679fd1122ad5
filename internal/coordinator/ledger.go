package coordinator

import (
	"sort"

	"example.com/data-mesh/internal/authz"
	"example.com/data-mesh/internal/grants"
	"example.com/data-mesh/internal/store"
)

// ledger folds batch outcomes into the grant state recorded on a
// subscription. A permission is recorded once any entry carrying it was
// applied, and stays recorded while any entry revoking it failed. DESCRIBE
// is recorded only when it was asked for.
type ledger struct {
	permitted grants.Set
	grantable grants.Set
	refs      map[string]struct{}
	asked     grants.Set
}

func newLedger(current grants.State, refs []string, asked grants.Set) *ledger {
	l := &ledger{
		permitted: current.Permitted.Clone(),
		grantable: current.Grantable.Clone(),
		refs:      make(map[string]struct{}, len(refs)),
		asked:     asked,
	}
	if l.permitted == nil {
		l.permitted = grants.NewSet()
	}
	if l.grantable == nil {
		l.grantable = grants.NewSet()
	}
	for _, r := range refs {
		l.refs[r] = struct{}{}
	}
	return l
}

func (l *ledger) record(p string) bool {
	return p != grants.Describe || l.asked.Has(grants.Describe)
}

func (l *ledger) holds(r grants.Resource) bool {
	_, ok := l.refs[r.Ref()]
	return ok
}

func (l *ledger) granted(entries []grants.Entry, res authz.BatchResult) {
	for _, e := range res.Succeeded(entries) {
		for _, p := range e.Permissions {
			if l.record(p) {
				l.permitted.Add(p)
			}
		}
		for _, p := range e.Grantable {
			l.grantable.Add(p)
			l.permitted.Add(p)
		}
		l.refs[e.Resource.Ref()] = struct{}{}
	}
}

func (l *ledger) revoked(entries []grants.Entry, res authz.BatchResult) {
	held, heldGrantable := grants.NewSet(), grants.NewSet()
	heldRefs := map[string]struct{}{}
	applied := res.Succeeded(entries)
	appliedIDs := make(map[string]struct{}, len(applied))
	for _, e := range applied {
		appliedIDs[e.ID] = struct{}{}
	}
	for _, e := range entries {
		if _, ok := appliedIDs[e.ID]; ok {
			continue
		}
		held.Add(e.Permissions...)
		heldGrantable.Add(e.Grantable...)
		heldRefs[e.Resource.Ref()] = struct{}{}
	}
	for _, e := range applied {
		for _, p := range e.Permissions {
			if !held.Has(p) {
				delete(l.permitted, p)
			}
		}
		for _, p := range e.Grantable {
			if !heldGrantable.Has(p) {
				delete(l.grantable, p)
			}
		}
	}
	if l.permitted.Len() == 0 {
		l.refs = heldRefs
	}
}

func (l *ledger) state() grants.State {
	return grants.State{Permitted: l.permitted.Clone(), Grantable: l.grantable.Clone()}
}

func (l *ledger) grantState() store.GrantState {
	return store.GrantState{Permitted: nonNil(l.permitted.Sorted()), Grantable: nonNil(l.grantable.Sorted())}
}

func (l *ledger) refList() []string {
	out := make([]string, 0, len(l.refs))
	for r := range l.refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
