package grants

import (
	"fmt"
	"sort"
	"strings"
)

// Lake Formation permission names.
const (
	All                = "ALL"
	Select             = "SELECT"
	Alter              = "ALTER"
	Drop               = "DROP"
	Delete             = "DELETE"
	Insert             = "INSERT"
	Describe           = "DESCRIBE"
	CreateDatabase     = "CREATE_DATABASE"
	CreateTable        = "CREATE_TABLE"
	DataLocationAccess = "DATA_LOCATION_ACCESS"
)

var known = NewSet(All, Select, Alter, Drop, Delete, Insert, Describe, CreateDatabase, CreateTable, DataLocationAccess)

// Set is a set of permission names. Names are kept upper-cased.
type Set map[string]struct{}

func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Parse normalises permission names and rejects unknown ones.
func Parse(items []string) (Set, error) {
	s := NewSet()
	for _, it := range items {
		p := normalize(it)
		if p == "" {
			continue
		}
		if !known.Has(p) {
			return nil, fmt.Errorf("unknown permission %q", it)
		}
		s[p] = struct{}{}
	}
	return s, nil
}

func normalize(p string) string { return strings.ToUpper(strings.TrimSpace(p)) }

func (s Set) Add(items ...string) {
	for _, it := range items {
		if p := normalize(it); p != "" {
			s[p] = struct{}{}
		}
	}
}

func (s Set) Has(p string) bool {
	_, ok := s[normalize(p)]
	return ok
}

func (s Set) Len() int { return len(s) }

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s Set) Union(o Set) Set {
	out := s.Clone()
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

func (s Set) Minus(o Set) Set {
	out := make(Set, len(s))
	for k := range s {
		if _, ok := o[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (s Set) Intersect(o Set) Set {
	out := make(Set, len(s))
	for k := range s {
		if _, ok := o[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order; nil for an empty set.
func (s Set) Sorted() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string { return "{" + strings.Join(s.Sorted(), ",") + "}" }
