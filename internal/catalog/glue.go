package catalog

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
)

type GlueAPI interface {
	GetDatabase(ctx context.Context, in *glue.GetDatabaseInput, opts ...func(*glue.Options)) (*glue.GetDatabaseOutput, error)
	GetTable(ctx context.Context, in *glue.GetTableInput, opts ...func(*glue.Options)) (*glue.GetTableOutput, error)
	GetTables(ctx context.Context, in *glue.GetTablesInput, opts ...func(*glue.Options)) (*glue.GetTablesOutput, error)
}

type Glue struct {
	api       GlueAPI
	catalogID string
}

func NewGlue(api GlueAPI, catalogID string) *Glue {
	return &Glue{api: api, catalogID: catalogID}
}

// absent reports errors that mean the object is not visible to the caller.
// Access denied is returned for objects that do not exist.
func absent(err error) bool {
	var nf *types.EntityNotFoundException
	var ad *types.AccessDeniedException
	return errors.As(err, &nf) || errors.As(err, &ad)
}

func (g *Glue) DatabaseExists(ctx context.Context, database string) (bool, error) {
	_, err := g.api.GetDatabase(ctx, &glue.GetDatabaseInput{
		CatalogId: aws.String(g.catalogID),
		Name:      aws.String(database),
	})
	if absent(err) {
		return false, nil
	}
	return err == nil, err
}

func (g *Glue) TableExists(ctx context.Context, database, table string) (bool, error) {
	out, err := g.api.GetTable(ctx, &glue.GetTableInput{
		CatalogId:    aws.String(g.catalogID),
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if absent(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Table != nil, nil
}

func (g *Glue) ListTables(ctx context.Context, database string) ([]string, error) {
	var names []string
	p := glue.NewGetTablesPaginator(g.api, &glue.GetTablesInput{
		CatalogId:    aws.String(g.catalogID),
		DatabaseName: aws.String(database),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			if absent(err) {
				return nil, &MissingError{Database: database}
			}
			return nil, err
		}
		for _, t := range page.TableList {
			names = append(names, aws.ToString(t.Name))
		}
	}
	return names, nil
}
