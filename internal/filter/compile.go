package filter

import (
	"errors"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

var ErrEmptyExpr = errors.New("expr must not be empty")

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Declarations(
			decls.NewVar("id", decls.String),
			decls.NewVar("owner", decls.String),
			decls.NewVar("subscriber", decls.String),
			decls.NewVar("status", decls.String),
			decls.NewVar("scope", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("requested", decls.NewListType(decls.String)),
			decls.NewVar("permitted", decls.NewListType(decls.String)),
			decls.NewVar("grantable", decls.NewListType(decls.String)),
			decls.NewVar("resources", decls.NewListType(decls.String)),
			decls.NewVar("notes", decls.NewListType(decls.String)),
			decls.NewVar("created_by", decls.String),
			decls.NewVar("updated_by", decls.String),
		),
	)
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if t := checked.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, errors.New("filter must evaluate to a bool")
	}
	return env.Program(checked)
}
