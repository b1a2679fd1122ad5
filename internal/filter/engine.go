package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"example.com/data-mesh/internal/model"
)

// CacheSize bounds the number of compiled programs kept by an Engine.
const CacheSize = 256

// Engine evaluates subscription filters. Compiled programs are cached by
// expression text, least recently used first out.
type Engine struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

func NewEngine() (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, cel.Program](CacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env, cache: cache}, nil
}

func (e *Engine) compileOrGet(expr string) (cel.Program, error) {
	if prog, ok := e.cache.Get(expr); ok {
		return prog, nil
	}
	if expr == "" {
		return nil, ErrEmptyExpr
	}
	prog, err := compile(e.env, expr)
	if err != nil {
		return nil, err
	}
	e.cache.Add(expr, prog)
	return prog, nil
}

// Predicate compiles expr once and returns a matcher for it.
func (e *Engine) Predicate(expr string) (func(*model.Subscription) (bool, error), error) {
	prog, err := e.compileOrGet(expr)
	if err != nil {
		return nil, err
	}
	return func(s *model.Subscription) (bool, error) { return eval(prog, s) }, nil
}

func eval(prog cel.Program, s *model.Subscription) (bool, error) {
	out, _, err := prog.Eval(Activation(s))
	if err != nil {
		return false, fmt.Errorf("filter runtime: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", out.Value())
	}
	return b, nil
}

// Activation exposes a subscription to filter expressions.
func Activation(s *model.Subscription) map[string]any {
	scope := map[string]any{}
	if s.Scope.Scope != nil {
		doc := model.EncodeScope(s.Scope.Scope)
		scope["type"] = string(doc.Type)
		scope["database"] = doc.Database
		scope["tables"] = nonNil(doc.Tables)
		scope["data_product"] = doc.DataProduct
		scope["domain"] = doc.Domain
	}
	return map[string]any{
		"id":         s.ID.String(),
		"owner":      s.OwnerPrincipal,
		"subscriber": s.SubscriberPrincipal,
		"status":     string(s.Status),
		"scope":      scope,
		"requested":  nonNil(s.RequestedGrants),
		"permitted":  nonNil(s.PermittedGrants),
		"grantable":  nonNil(s.GrantableGrants),
		"resources":  nonNil(s.GrantedResourceRefs),
		"notes":      nonNil(s.NoteTexts()),
		"created_by": s.CreatedBy,
		"updated_by": s.UpdatedBy,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
