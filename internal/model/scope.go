package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type ScopeKind string

const (
	ScopeDatabase    ScopeKind = "Database"
	ScopeTables      ScopeKind = "Tables"
	ScopeDataProduct ScopeKind = "DataProduct"
	ScopeDomain      ScopeKind = "Domain"
)

// Tag keys used on catalog objects for tag-addressed scopes.
const (
	DataProductTagKey = "DataProduct"
	DomainTagKey      = "Domain"
)

var ErrInvalidScope = errors.New("invalid scope")

// Scope is the addressing unit of a subscription. Exactly one of the
// variants below is ever populated.
type Scope interface {
	Kind() ScopeKind
	// Key is a canonical rendering used for deduplication.
	Key() string
	isScope()
}

type DatabaseScope struct {
	Database string
}

type TablesScope struct {
	Database string
	Tables   []string
}

type DataProductScope struct {
	Product string
}

type DomainScope struct {
	Domain string
}

func (DatabaseScope) Kind() ScopeKind    { return ScopeDatabase }
func (TablesScope) Kind() ScopeKind      { return ScopeTables }
func (DataProductScope) Kind() ScopeKind { return ScopeDataProduct }
func (DomainScope) Kind() ScopeKind      { return ScopeDomain }

func (DatabaseScope) isScope()    {}
func (TablesScope) isScope()      {}
func (DataProductScope) isScope() {}
func (DomainScope) isScope()      {}

func (s DatabaseScope) Key() string { return string(ScopeDatabase) + ":" + s.Database }

func (s TablesScope) Key() string {
	tables := append([]string(nil), s.Tables...)
	sort.Strings(tables)
	return string(ScopeTables) + ":" + s.Database + ":" + strings.Join(tables, ",")
}

func (s DataProductScope) Key() string { return string(ScopeDataProduct) + ":" + s.Product }
func (s DomainScope) Key() string      { return string(ScopeDomain) + ":" + s.Domain }

// DatabaseOf returns the catalog database a scope lives in, or "" for
// tag-addressed scopes.
func DatabaseOf(s Scope) string {
	switch v := s.(type) {
	case DatabaseScope:
		return v.Database
	case TablesScope:
		return v.Database
	}
	return ""
}

func ValidateScope(s Scope) error {
	switch v := s.(type) {
	case nil:
		return fmt.Errorf("%w: scope is required", ErrInvalidScope)
	case DatabaseScope:
		if strings.TrimSpace(v.Database) == "" {
			return fmt.Errorf("%w: database name is empty", ErrInvalidScope)
		}
	case TablesScope:
		if strings.TrimSpace(v.Database) == "" {
			return fmt.Errorf("%w: database name is empty", ErrInvalidScope)
		}
		if len(v.Tables) == 0 {
			return fmt.Errorf("%w: table list is empty", ErrInvalidScope)
		}
		seen := make(map[string]struct{}, len(v.Tables))
		for _, t := range v.Tables {
			if strings.TrimSpace(t) == "" {
				return fmt.Errorf("%w: empty table name", ErrInvalidScope)
			}
			if _, dup := seen[t]; dup {
				return fmt.Errorf("%w: table %q listed twice", ErrInvalidScope, t)
			}
			seen[t] = struct{}{}
		}
	case DataProductScope:
		if strings.TrimSpace(v.Product) == "" {
			return fmt.Errorf("%w: data product name is empty", ErrInvalidScope)
		}
	case DomainScope:
		if strings.TrimSpace(v.Domain) == "" {
			return fmt.Errorf("%w: domain name is empty", ErrInvalidScope)
		}
	default:
		return fmt.Errorf("%w: unsupported scope %T", ErrInvalidScope, s)
	}
	return nil
}

// ScopeDoc is the flattened, discriminated wire form of a Scope.
type ScopeDoc struct {
	Type        ScopeKind `json:"type" dynamodbav:"Type"`
	Database    string    `json:"database,omitempty" dynamodbav:"DatabaseName,omitempty"`
	Tables      []string  `json:"tables,omitempty" dynamodbav:"TableName,omitempty"`
	DataProduct string    `json:"data_product,omitempty" dynamodbav:"DataProduct,omitempty"`
	Domain      string    `json:"domain,omitempty" dynamodbav:"Domain,omitempty"`
}

func EncodeScope(s Scope) ScopeDoc {
	switch v := s.(type) {
	case DatabaseScope:
		return ScopeDoc{Type: ScopeDatabase, Database: v.Database}
	case TablesScope:
		return ScopeDoc{Type: ScopeTables, Database: v.Database, Tables: append([]string(nil), v.Tables...)}
	case DataProductScope:
		return ScopeDoc{Type: ScopeDataProduct, DataProduct: v.Product}
	case DomainScope:
		return ScopeDoc{Type: ScopeDomain, Domain: v.Domain}
	}
	return ScopeDoc{}
}

func DecodeScope(d ScopeDoc) (Scope, error) {
	switch d.Type {
	case ScopeDatabase:
		return DatabaseScope{Database: d.Database}, nil
	case ScopeTables:
		return TablesScope{Database: d.Database, Tables: d.Tables}, nil
	case ScopeDataProduct:
		return DataProductScope{Product: d.DataProduct}, nil
	case ScopeDomain:
		return DomainScope{Domain: d.Domain}, nil
	}
	return nil, fmt.Errorf("%w: unknown scope type %q", ErrInvalidScope, d.Type)
}

// ScopeField stores a Scope in a single JSON column.
type ScopeField struct {
	Scope
}

func (f ScopeField) MarshalJSON() ([]byte, error) {
	if f.Scope == nil {
		return []byte("null"), nil
	}
	return json.Marshal(EncodeScope(f.Scope))
}

func (f *ScopeField) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		f.Scope = nil
		return nil
	}
	var d ScopeDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	s, err := DecodeScope(d)
	if err != nil {
		return err
	}
	f.Scope = s
	return nil
}

func (f ScopeField) Value() (driver.Value, error) {
	if f.Scope == nil {
		return nil, nil
	}
	b, err := json.Marshal(EncodeScope(f.Scope))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *ScopeField) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		f.Scope = nil
		return nil
	case []byte:
		return f.UnmarshalJSON(v)
	case string:
		return f.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("scan scope: unsupported type %T", value)
}

func (ScopeField) GormDataType() string { return "json" }

func (ScopeField) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "JSON"
}
