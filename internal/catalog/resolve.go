package catalog

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"example.com/data-mesh/internal/model"
)

const patternCacheSize = 512

// Resolver expands table patterns such as "orders_*" against the catalog.
type Resolver struct {
	client Client
	globs  *lru.Cache[string, glob.Glob]
}

func NewResolver(client Client) *Resolver {
	globs, err := lru.New[string, glob.Glob](patternCacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{client: client, globs: globs}
}

func IsPattern(name string) bool { return strings.ContainsAny(name, "*?[{") }

func (r *Resolver) match(pattern, value string) (bool, error) {
	if g, ok := r.globs.Get(pattern); ok {
		return g.Match(value), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false, err
	}
	r.globs.Add(pattern, g)
	return g.Match(value), nil
}

// Tables returns the concrete table names for a table list. Literal names
// are kept as given; each pattern must match at least one table.
func (r *Resolver) Tables(ctx context.Context, database string, names []string) ([]string, error) {
	var listed []string
	seen := map[string]struct{}{}
	var out []string
	add := func(t string) {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, n := range names {
		if !IsPattern(n) {
			add(n)
			continue
		}
		if listed == nil {
			var err error
			if listed, err = r.client.ListTables(ctx, database); err != nil {
				return nil, err
			}
		}
		matched := false
		for _, t := range listed {
			ok, err := r.match(n, t)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = true
				add(t)
			}
		}
		if !matched {
			return nil, &MissingError{Database: database, Table: n}
		}
	}
	return out, nil
}

// Validate checks that everything a scope names exists. Tag-addressed scopes
// are not checked.
func (r *Resolver) Validate(ctx context.Context, s model.Scope) error {
	switch v := s.(type) {
	case model.DatabaseScope:
		return r.database(ctx, v.Database)
	case model.TablesScope:
		if err := r.database(ctx, v.Database); err != nil {
			return err
		}
		tables, err := r.Tables(ctx, v.Database, v.Tables)
		if err != nil {
			return err
		}
		for _, t := range tables {
			ok, err := r.client.TableExists(ctx, v.Database, t)
			if err != nil {
				return err
			}
			if !ok {
				return &MissingError{Database: v.Database, Table: t}
			}
		}
	}
	return nil
}

func (r *Resolver) database(ctx context.Context, db string) error {
	ok, err := r.client.DatabaseExists(ctx, db)
	if err != nil {
		return err
	}
	if !ok {
		return &MissingError{Database: db}
	}
	return nil
}
