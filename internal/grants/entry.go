package grants

import "github.com/google/uuid"

// Entry is one item of a batch grant or revoke.
type Entry struct {
	ID          string
	Principal   string
	Resource    Resource
	Permissions []string
	Grantable   []string
}

func (d Delta) GrantEntries(principal string, r Resource) []Entry {
	return Entries(principal, r, d.ToGrant, d.ToGrantable)
}

func (d Delta) RevokeEntries(principal string, r Resource) []Entry {
	return Entries(principal, r, d.ToRevoke, d.ToRevokeGrantable)
}

// Entries shapes a permission pair into batch entries. On a named table
// SELECT is addressed through the column wildcard and everything else
// through the table itself.
func Entries(principal string, r Resource, perms, grantable Set) []Entry {
	if perms.Len() == 0 && grantable.Len() == 0 {
		return nil
	}
	if !r.IsNamedTable() || !(perms.Has(Select) || grantable.Has(Select)) {
		return []Entry{newEntry(principal, r, perms, grantable)}
	}
	sel := NewSet(Select)
	out := []Entry{newEntry(principal, r.Columns(), perms.Intersect(sel), grantable.Intersect(sel))}
	rest, restGrantable := perms.Minus(sel), grantable.Minus(sel)
	if rest.Len() > 0 || restGrantable.Len() > 0 {
		out = append(out, newEntry(principal, r, rest, restGrantable))
	}
	return out
}

func newEntry(principal string, r Resource, perms, grantable Set) Entry {
	return Entry{
		ID:          uuid.NewString(),
		Principal:   principal,
		Resource:    r,
		Permissions: perms.Sorted(),
		Grantable:   grantable.Sorted(),
	}
}
