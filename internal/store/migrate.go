package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"example.com/data-mesh/internal/model"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250114_create_subscriptions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&model.Subscription{}, &model.Note{}, &model.Transition{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("subscription_transitions", "subscription_notes", "subscriptions")
			},
		},
		{
			ID: "20250121_subscription_search_indexes",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "postgres" {
					return nil
				}
				if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_permitted ON subscriptions USING gin (permitted_grants);`).Error; err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_scope ON subscriptions USING gin (scope);`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != "postgres" {
					return nil
				}
				if err := tx.Exec(`DROP INDEX IF EXISTS idx_subscriptions_permitted;`).Error; err != nil {
					return err
				}
				return tx.Exec(`DROP INDEX IF EXISTS idx_subscriptions_scope;`).Error
			},
		},
	}
}

func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, Migrations()).Migrate()
}
