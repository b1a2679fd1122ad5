// Package cli exposes subscription operations as an explicit table of
// commands, each naming its required and optional flags.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"example.com/data-mesh/internal/coordinator"
	"example.com/data-mesh/internal/model"
	"example.com/data-mesh/internal/store"
)

type Service interface {
	RequestAccess(ctx context.Context, r coordinator.AccessRequest) (uuid.UUID, bool, error)
	Get(ctx context.Context, id uuid.UUID, force bool) (*model.Subscription, error)
	ListPendingForOwner(ctx context.Context, owner string, q store.Query) (store.Page, error)
	ListForSubscriber(ctx context.Context, subscriber string, q store.Query) ([]model.View, string, error)
	Search(ctx context.Context, expr string, q store.Query) (store.Page, error)
	Approve(ctx context.Context, id uuid.UUID, r coordinator.GrantRequest) (coordinator.Result, error)
	ModifyGrants(ctx context.Context, id uuid.UUID, r coordinator.GrantRequest) (coordinator.Result, error)
	Deny(ctx context.Context, id uuid.UUID, notes []string) (*model.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID, reason string) (coordinator.Result, error)
	Resubmit(ctx context.Context, id uuid.UUID, notes []string) (*model.Subscription, error)
	Finalize(ctx context.Context, id uuid.UUID) (int, error)
}

// Args holds the flag values of one invocation by flag name.
type Args map[string]string

func (a Args) list(name string) []string {
	v := strings.TrimSpace(a[name])
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a Args) id() (uuid.UUID, error) {
	id, err := uuid.Parse(a["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --id: %w", err)
	}
	return id, nil
}

func (a Args) bool(name string) (bool, error) {
	if a[name] == "" {
		return false, nil
	}
	return strconv.ParseBool(a[name])
}

func (a Args) query() (store.Query, error) {
	q := store.Query{StartToken: a["next-token"]}
	if v := a["limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid --limit: %w", err)
		}
		q.Limit = n
	}
	return q, nil
}

func (a Args) notes() []string {
	if a["notes"] == "" {
		return nil
	}
	return []string{a["notes"]}
}

type Handler func(ctx context.Context, svc Service, a Args) (any, error)

type Command struct {
	Name     string
	Short    string
	Required []string
	Optional []string
	Run      Handler
}

var flagUsage = map[string]string{
	"id":              "subscription id",
	"owner":           "owner principal (producer account)",
	"subscriber":      "subscriber principal",
	"grants":          "comma separated permissions",
	"grantable":       "comma separated grantable permissions",
	"notes":           "decision note",
	"reason":          "deletion reason",
	"database":        "catalog database",
	"tables":          "comma separated table names or patterns",
	"data-product":    "data product tag value",
	"domain":          "domain tag value",
	"skip-validation": "skip catalog existence checks",
	"force":           "include deleted subscriptions",
	"filter":          "CEL filter expression",
	"limit":           "page size",
	"next-token":      "page token",
}

// Commands is the command table.
func Commands() []Command {
	return []Command{
		{
			Name:     "request-access",
			Short:    "Request access to a database, tables, data product or domain",
			Required: []string{"owner", "subscriber", "grants"},
			Optional: []string{"database", "tables", "data-product", "domain", "skip-validation"},
			Run:      requestAccess,
		},
		{
			Name:     "list-pending",
			Short:    "List pending subscriptions for an owner",
			Required: []string{"owner"},
			Optional: []string{"limit", "next-token"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				q, err := a.query()
				if err != nil {
					return nil, err
				}
				return svc.ListPendingForOwner(ctx, a["owner"], q)
			},
		},
		{
			Name:     "approve",
			Short:    "Approve a subscription, optionally overriding its permissions",
			Required: []string{"id"},
			Optional: []string{"grants", "grantable", "notes"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				return svc.Approve(ctx, id, coordinator.GrantRequest{Permitted: a.list("grants"), Grantable: a.list("grantable"), Notes: a.notes()})
			},
		},
		{
			Name:     "deny",
			Short:    "Deny a pending subscription",
			Required: []string{"id"},
			Optional: []string{"notes"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				return svc.Deny(ctx, id, a.notes())
			},
		},
		{
			Name:     "modify-grants",
			Short:    "Change the permissions of an active subscription",
			Required: []string{"id", "grants"},
			Optional: []string{"grantable", "notes"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				return svc.ModifyGrants(ctx, id, coordinator.GrantRequest{Permitted: a.list("grants"), Grantable: a.list("grantable"), Notes: a.notes()})
			},
		},
		{
			Name:     "get-subscription",
			Short:    "Show one subscription",
			Required: []string{"id"},
			Optional: []string{"force"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				force, err := a.bool("force")
				if err != nil {
					return nil, err
				}
				return svc.Get(ctx, id, force)
			},
		},
		{
			Name:     "list-subscriptions",
			Short:    "List the subscriptions of a subscriber",
			Required: []string{"subscriber"},
			Optional: []string{"limit", "next-token"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				q, err := a.query()
				if err != nil {
					return nil, err
				}
				views, next, err := svc.ListForSubscriber(ctx, a["subscriber"], q)
				if err != nil {
					return nil, err
				}
				return map[string]any{"items": views, "next_token": next}, nil
			},
		},
		{
			Name:     "delete-subscription",
			Short:    "Revoke an active subscription",
			Required: []string{"id"},
			Optional: []string{"reason"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				return svc.Delete(ctx, id, a["reason"])
			},
		},
		{
			Name:     "resubmit",
			Short:    "Request a deleted subscription again",
			Required: []string{"id"},
			Optional: []string{"notes"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				return svc.Resubmit(ctx, id, a.notes())
			},
		},
		{
			Name:     "finalize",
			Short:    "Accept the resource share invitations of an active subscription",
			Required: []string{"id"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				id, err := a.id()
				if err != nil {
					return nil, err
				}
				n, err := svc.Finalize(ctx, id)
				if err != nil {
					return nil, err
				}
				return map[string]int{"accepted": n}, nil
			},
		},
		{
			Name:     "search",
			Short:    "Scan subscriptions with a filter expression",
			Optional: []string{"filter", "limit", "next-token"},
			Run: func(ctx context.Context, svc Service, a Args) (any, error) {
				q, err := a.query()
				if err != nil {
					return nil, err
				}
				return svc.Search(ctx, a["filter"], q)
			},
		},
	}
}

func requestAccess(ctx context.Context, svc Service, a Args) (any, error) {
	scope, err := scopeFrom(a)
	if err != nil {
		return nil, err
	}
	skip, err := a.bool("skip-validation")
	if err != nil {
		return nil, err
	}
	id, created, err := svc.RequestAccess(ctx, coordinator.AccessRequest{
		Owner:          a["owner"],
		Subscriber:     a["subscriber"],
		Scope:          scope,
		Grants:         a.list("grants"),
		SkipValidation: skip,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"subscription_id": id, "created": created}, nil
}

// scopeFrom builds the scope from exactly one of --database, --data-product
// or --domain; --tables narrows a database scope.
func scopeFrom(a Args) (model.Scope, error) {
	var scopes []model.Scope
	if db := a["database"]; db != "" {
		if tables := a.list("tables"); len(tables) > 0 {
			scopes = append(scopes, model.TablesScope{Database: db, Tables: tables})
		} else {
			scopes = append(scopes, model.DatabaseScope{Database: db})
		}
	} else if a["tables"] != "" {
		return nil, fmt.Errorf("--tables requires --database")
	}
	if p := a["data-product"]; p != "" {
		scopes = append(scopes, model.DataProductScope{Product: p})
	}
	if d := a["domain"]; d != "" {
		scopes = append(scopes, model.DomainScope{Domain: d})
	}
	if len(scopes) != 1 {
		return nil, fmt.Errorf("exactly one of --database, --data-product or --domain is required")
	}
	return scopes[0], nil
}

// NewCommand turns a table entry into a cobra command. open is called once
// per invocation to obtain the service.
func NewCommand(c Command, open func(ctx context.Context) (Service, func() error, error)) *cobra.Command {
	names := append(append([]string{}, c.Required...), c.Optional...)
	cmd := &cobra.Command{
		Use:   c.Name,
		Short: c.Short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := Args{}
			for _, name := range names {
				if cmd.Flags().Changed(name) {
					a[name], _ = cmd.Flags().GetString(name)
				}
			}
			svc, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()
			out, err := c.Run(cmd.Context(), svc, a)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	for _, name := range names {
		cmd.Flags().String(name, "", flagUsage[name])
	}
	for _, name := range c.Required {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// AddCommands attaches every table entry to root.
func AddCommands(root *cobra.Command, open func(ctx context.Context) (Service, func() error, error)) {
	for _, c := range Commands() {
		root.AddCommand(NewCommand(c, open))
	}
}
