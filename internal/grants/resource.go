package grants

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"example.com/data-mesh/internal/model"
)

type Kind string

const (
	KindDatabase         Kind = "Database"
	KindTable            Kind = "Table"
	KindTableWithColumns Kind = "TableWithColumns"
	KindTagPolicy        Kind = "TagPolicy"
)

const TableWildcard = "*"

var ErrInvalidRef = errors.New("invalid resource ref")

// Resource addresses one object in the catalog, or an LF-tag expression.
type Resource struct {
	Kind      Kind
	Region    string
	CatalogID string
	Database  string
	Table     string
	TagKey    string
	TagValue  string
}

// Ref renders the resource as an ARN. Column-wildcard resources share the
// ref of their table.
func (r Resource) Ref() string {
	a := arn.ARN{Partition: "aws", Service: "glue", Region: r.Region, AccountID: r.CatalogID}
	switch r.Kind {
	case KindDatabase:
		a.Resource = "database/" + r.Database
	case KindTable, KindTableWithColumns:
		a.Resource = "table/" + r.Database + "/" + r.Table
	case KindTagPolicy:
		a.Service = "lakeformation"
		a.Resource = "tag-policy/" + r.TagKey + "/" + r.TagValue
	}
	return a.String()
}

func (r Resource) String() string {
	switch r.Kind {
	case KindDatabase:
		return r.Database
	case KindTable, KindTableWithColumns:
		return r.Database + "." + r.Table
	case KindTagPolicy:
		return r.TagKey + "=" + r.TagValue
	}
	return string(r.Kind)
}

// IsNamedTable reports whether the resource is a single, concrete table.
func (r Resource) IsNamedTable() bool {
	return r.Kind == KindTable && r.Table != "" && r.Table != TableWildcard
}

// Columns returns the column-wildcard form of a table resource.
func (r Resource) Columns() Resource {
	r.Kind = KindTableWithColumns
	return r
}

func ParseRef(ref string) (Resource, error) {
	a, err := arn.Parse(ref)
	if err != nil {
		return Resource{}, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	r := Resource{Region: a.Region, CatalogID: a.AccountID}
	parts := strings.Split(a.Resource, "/")
	switch {
	case a.Service == "glue" && parts[0] == "database" && len(parts) == 2:
		r.Kind, r.Database = KindDatabase, parts[1]
	case a.Service == "glue" && parts[0] == "table" && len(parts) == 3:
		r.Kind, r.Database, r.Table = KindTable, parts[1], parts[2]
	case a.Service == "lakeformation" && parts[0] == "tag-policy" && len(parts) == 3:
		r.Kind, r.TagKey, r.TagValue = KindTagPolicy, parts[1], parts[2]
	default:
		return Resource{}, fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return r, nil
}

// Locator builds resources inside one catalog.
type Locator struct {
	Region    string
	CatalogID string
}

func (l Locator) Database(db string) Resource {
	return Resource{Kind: KindDatabase, Region: l.Region, CatalogID: l.CatalogID, Database: db}
}

func (l Locator) Table(db, table string) Resource {
	return Resource{Kind: KindTable, Region: l.Region, CatalogID: l.CatalogID, Database: db, Table: table}
}

func (l Locator) TagPolicy(key, value string) Resource {
	return Resource{Kind: KindTagPolicy, Region: l.Region, CatalogID: l.CatalogID, TagKey: key, TagValue: value}
}

// ScopeResources returns the grant targets of a scope. For a table-list
// scope, tables holds the resolved table names.
func (l Locator) ScopeResources(s model.Scope, tables []string) []Resource {
	switch v := s.(type) {
	case model.DatabaseScope:
		return []Resource{l.Table(v.Database, TableWildcard)}
	case model.TablesScope:
		out := make([]Resource, 0, len(tables))
		for _, t := range tables {
			out = append(out, l.Table(v.Database, t))
		}
		return out
	case model.DataProductScope:
		return []Resource{l.TagPolicy(model.DataProductTagKey, v.Product)}
	case model.DomainScope:
		return []Resource{l.TagPolicy(model.DomainTagKey, v.Domain)}
	}
	return nil
}

// ScopeDatabase returns the database a scope needs DESCRIBE on, if any.
func (l Locator) ScopeDatabase(s model.Scope) (Resource, bool) {
	db := model.DatabaseOf(s)
	if db == "" {
		return Resource{}, false
	}
	return l.Database(db), true
}
