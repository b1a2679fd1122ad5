package store

import "gorm.io/gorm"

func (r *SubscriptionSQL) DB() *gorm.DB { return r.db }
