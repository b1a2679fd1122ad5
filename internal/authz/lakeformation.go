package authz

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lakeformation"
	"github.com/aws/aws-sdk-go-v2/service/lakeformation/types"
	"go.uber.org/zap"

	"example.com/data-mesh/internal/grants"
)

// batchLimit is the largest entry count Lake Formation accepts per batch call.
const batchLimit = 20

type LakeFormationAPI interface {
	GrantPermissions(ctx context.Context, in *lakeformation.GrantPermissionsInput, opts ...func(*lakeformation.Options)) (*lakeformation.GrantPermissionsOutput, error)
	RevokePermissions(ctx context.Context, in *lakeformation.RevokePermissionsInput, opts ...func(*lakeformation.Options)) (*lakeformation.RevokePermissionsOutput, error)
	BatchGrantPermissions(ctx context.Context, in *lakeformation.BatchGrantPermissionsInput, opts ...func(*lakeformation.Options)) (*lakeformation.BatchGrantPermissionsOutput, error)
	BatchRevokePermissions(ctx context.Context, in *lakeformation.BatchRevokePermissionsInput, opts ...func(*lakeformation.Options)) (*lakeformation.BatchRevokePermissionsOutput, error)
	ListPermissions(ctx context.Context, in *lakeformation.ListPermissionsInput, opts ...func(*lakeformation.Options)) (*lakeformation.ListPermissionsOutput, error)
}

type LakeFormation struct {
	api       LakeFormationAPI
	catalogID string
	logger    *zap.Logger
}

func NewLakeFormation(api LakeFormationAPI, catalogID string, logger *zap.Logger) *LakeFormation {
	return &LakeFormation{api: api, catalogID: catalogID, logger: logger.Named("lakeformation")}
}

func principal(id string) *types.DataLakePrincipal {
	return &types.DataLakePrincipal{DataLakePrincipalIdentifier: aws.String(id)}
}

func permissions(in []string) []types.Permission {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.Permission, len(in))
	for i, p := range in {
		out[i] = types.Permission(p)
	}
	return out
}

func permissionNames(in []types.Permission) []string {
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = string(p)
	}
	return out
}

func resource(r grants.Resource) *types.Resource {
	catalog := aws.String(r.CatalogID)
	switch r.Kind {
	case grants.KindDatabase:
		return &types.Resource{Database: &types.DatabaseResource{CatalogId: catalog, Name: aws.String(r.Database)}}
	case grants.KindTable:
		t := &types.TableResource{CatalogId: catalog, DatabaseName: aws.String(r.Database)}
		if r.Table == grants.TableWildcard {
			t.TableWildcard = &types.TableWildcard{}
		} else {
			t.Name = aws.String(r.Table)
		}
		return &types.Resource{Table: t}
	case grants.KindTableWithColumns:
		return &types.Resource{TableWithColumns: &types.TableWithColumnsResource{
			CatalogId:      catalog,
			DatabaseName:   aws.String(r.Database),
			Name:           aws.String(r.Table),
			ColumnWildcard: &types.ColumnWildcard{},
		}}
	case grants.KindTagPolicy:
		return &types.Resource{LFTagPolicy: &types.LFTagPolicyResource{
			CatalogId:    catalog,
			ResourceType: types.ResourceTypeTable,
			Expression:   []types.LFTag{{TagKey: aws.String(r.TagKey), TagValues: []string{r.TagValue}}},
		}}
	}
	return nil
}

func requestEntry(e grants.Entry) types.BatchPermissionsRequestEntry {
	return types.BatchPermissionsRequestEntry{
		Id:                         aws.String(e.ID),
		Principal:                  principal(e.Principal),
		Resource:                   resource(e.Resource),
		Permissions:                permissions(e.Permissions),
		PermissionsWithGrantOption: permissions(e.Grantable),
	}
}

func (c *LakeFormation) Grant(ctx context.Context, e grants.Entry) error {
	_, err := c.api.GrantPermissions(ctx, &lakeformation.GrantPermissionsInput{
		CatalogId:                  aws.String(c.catalogID),
		Principal:                  principal(e.Principal),
		Resource:                   resource(e.Resource),
		Permissions:                permissions(e.Permissions),
		PermissionsWithGrantOption: permissions(e.Grantable),
	})
	if code, _, ok := apiError(err); ok && idempotentGrant(code) {
		return nil
	}
	if err == nil {
		c.logger.Info("granted", zap.String("principal", e.Principal), zap.Stringer("resource", e.Resource),
			zap.Strings("permissions", e.Permissions), zap.Strings("grantable", e.Grantable))
	}
	return err
}

func (c *LakeFormation) Revoke(ctx context.Context, e grants.Entry) error {
	_, err := c.api.RevokePermissions(ctx, &lakeformation.RevokePermissionsInput{
		CatalogId:                  aws.String(c.catalogID),
		Principal:                  principal(e.Principal),
		Resource:                   resource(e.Resource),
		Permissions:                permissions(e.Permissions),
		PermissionsWithGrantOption: permissions(e.Grantable),
	})
	if code, msg, ok := apiError(err); ok && idempotentRevoke(code, msg) {
		return nil
	}
	if err == nil {
		c.logger.Info("revoked", zap.String("principal", e.Principal), zap.Stringer("resource", e.Resource),
			zap.Strings("permissions", e.Permissions))
	}
	return err
}

func (c *LakeFormation) BatchGrant(ctx context.Context, entries []grants.Entry) (BatchResult, error) {
	return c.batch(entries, func(req []types.BatchPermissionsRequestEntry) ([]types.BatchPermissionsFailureEntry, error) {
		out, err := c.api.BatchGrantPermissions(ctx, &lakeformation.BatchGrantPermissionsInput{
			CatalogId: aws.String(c.catalogID),
			Entries:   req,
		})
		if err != nil {
			return nil, err
		}
		return out.Failures, nil
	}, func(code, _ string) bool { return idempotentGrant(code) })
}

func (c *LakeFormation) BatchRevoke(ctx context.Context, entries []grants.Entry) (BatchResult, error) {
	return c.batch(entries, func(req []types.BatchPermissionsRequestEntry) ([]types.BatchPermissionsFailureEntry, error) {
		out, err := c.api.BatchRevokePermissions(ctx, &lakeformation.BatchRevokePermissionsInput{
			CatalogId: aws.String(c.catalogID),
			Entries:   req,
		})
		if err != nil {
			return nil, err
		}
		return out.Failures, nil
	}, idempotentRevoke)
}

// batch sends entries in chunks. A call-level error aborts the remaining
// chunks and is returned with the result accumulated so far.
func (c *LakeFormation) batch(
	entries []grants.Entry,
	call func([]types.BatchPermissionsRequestEntry) ([]types.BatchPermissionsFailureEntry, error),
	ignore func(code, msg string) bool,
) (BatchResult, error) {
	byID := make(map[string]grants.Entry, len(entries))
	var res BatchResult
	for start := 0; start < len(entries); start += batchLimit {
		end := min(start+batchLimit, len(entries))
		chunk := entries[start:end]
		req := make([]types.BatchPermissionsRequestEntry, len(chunk))
		for i, e := range chunk {
			byID[e.ID] = e
			req[i] = requestEntry(e)
		}
		failures, err := call(req)
		if err != nil {
			return res, err
		}
		applied := len(chunk)
		for _, f := range failures {
			var id, code, msg string
			if f.RequestEntry != nil {
				id = aws.ToString(f.RequestEntry.Id)
			}
			if f.Error != nil {
				code, msg = aws.ToString(f.Error.ErrorCode), aws.ToString(f.Error.ErrorMessage)
			}
			if ignore(code, msg) {
				continue
			}
			applied--
			res.Failures = append(res.Failures, Failure{EntryID: id, Resource: byID[id].Resource, Code: code, Message: msg})
			c.logger.Warn("batch entry rejected", zap.String("entry", id), zap.String("code", code), zap.String("message", msg))
		}
		res.Applied += applied
	}
	return res, nil
}

func (c *LakeFormation) ListGrants(ctx context.Context, principalID string, r grants.Resource) ([]PrincipalGrant, error) {
	in := &lakeformation.ListPermissionsInput{
		CatalogId: aws.String(c.catalogID),
		Resource:  resource(r),
	}
	if principalID != "" {
		in.Principal = principal(principalID)
	}
	var out []PrincipalGrant
	p := lakeformation.NewListPermissionsPaginator(c.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, prp := range page.PrincipalResourcePermissions {
			g := PrincipalGrant{
				Resource:    r,
				Permissions: permissionNames(prp.Permissions),
				Grantable:   permissionNames(prp.PermissionsWithGrantOption),
			}
			if prp.Principal != nil {
				g.Principal = aws.ToString(prp.Principal.DataLakePrincipalIdentifier)
			}
			if prp.AdditionalDetails != nil {
				g.ShareHandles = prp.AdditionalDetails.ResourceShare
			}
			out = append(out, g)
		}
	}
	return out, nil
}
