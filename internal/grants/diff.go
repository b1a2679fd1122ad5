package grants

// State is the permission pair held by a principal on a resource.
type State struct {
	Permitted Set
	Grantable Set
}

func NewState(permitted, grantable []string) State {
	return State{Permitted: NewSet(permitted...), Grantable: NewSet(grantable...)}
}

// Delta is the set of operations that moves one State to another.
type Delta struct {
	ToGrant           Set
	ToGrantable       Set
	ToRevoke          Set
	ToRevokeGrantable Set
}

func (d Delta) Empty() bool {
	return d.ToGrant.Len() == 0 && d.ToGrantable.Len() == 0 &&
		d.ToRevoke.Len() == 0 && d.ToRevokeGrantable.Len() == 0
}

// Diff computes the grants and revokes needed to go from current to desired.
//
// A grantable permission implies holding the permission, so the desired
// permitted set is widened by the desired grantable set and every grantable
// addition is carried by a base grant in the same operation. DESCRIBE joins
// any non-empty grant and is never revoked while anything else stays granted.
func Diff(current, desired State) Delta {
	cur := normalizeState(current)
	want := normalizeState(desired)
	wantPermitted := want.Permitted.Union(want.Grantable)

	d := Delta{
		ToGrantable:       want.Grantable.Minus(cur.Grantable),
		ToRevoke:          cur.Permitted.Minus(wantPermitted),
		ToRevokeGrantable: cur.Grantable.Minus(want.Grantable),
	}
	d.ToGrant = wantPermitted.Minus(cur.Permitted).Union(d.ToGrantable)
	if d.ToGrant.Len() > 0 {
		d.ToGrant.Add(Describe)
	}
	if wantPermitted.Len() > 0 {
		delete(d.ToRevoke, Describe)
		delete(d.ToRevokeGrantable, Describe)
	}
	return d
}

// Apply returns the state reached after the delta succeeds in full.
func (s State) Apply(d Delta) State {
	s = normalizeState(s)
	return State{
		Permitted: s.Permitted.Union(d.ToGrant).Minus(d.ToRevoke),
		Grantable: s.Grantable.Union(d.ToGrantable).Minus(d.ToRevokeGrantable),
	}
}

func normalizeState(s State) State {
	if s.Permitted == nil {
		s.Permitted = NewSet()
	}
	if s.Grantable == nil {
		s.Grantable = NewSet()
	}
	return s
}
