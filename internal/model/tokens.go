package model

import (
	"database/sql/driver"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Tokens is a list of permission names or resource refs. It is stored as a
// text[] column on postgres and as an array literal elsewhere.
type Tokens []string

func (t Tokens) Value() (driver.Value, error) {
	if t == nil {
		return pq.StringArray{}.Value()
	}
	return pq.StringArray(t).Value()
}

func (t *Tokens) Scan(src any) error {
	a := pq.StringArray{}
	if err := a.Scan(src); err != nil {
		return err
	}
	if a == nil {
		a = pq.StringArray{}
	}
	*t = Tokens(a)
	return nil
}

func (Tokens) GormDataType() string { return "strings" }

func (Tokens) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "TEXT"
}
