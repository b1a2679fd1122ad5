package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/data-mesh/internal/model"
)

type SubscriptionSQL struct {
	db *gorm.DB
}

func NewSubscriptionSQL(db *gorm.DB) *SubscriptionSQL {
	return &SubscriptionSQL{db: db}
}

func (r *SubscriptionSQL) Put(ctx context.Context, s *model.Subscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		t, err := transitionFor(s, "", s.CreatedBy)
		if err != nil {
			return err
		}
		return tx.Create(t).Error
	})
}

func (r *SubscriptionSQL) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	return get(r.db.WithContext(ctx), id)
}

func get(tx *gorm.DB, id uuid.UUID) (*model.Subscription, error) {
	var s model.Subscription
	err := tx.Preload("Notes", orderNotes).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func orderNotes(db *gorm.DB) *gorm.DB { return db.Order("text") }

func (r *SubscriptionSQL) ConditionalUpdate(ctx context.Context, id uuid.UUID, m Mutation, allowed []model.Status) (*model.Subscription, error) {
	var out *model.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := get(tx, id)
		if err != nil {
			return err
		}
		if !statusIn(cur.Status, allowed) {
			return &ConditionError{ID: id, Current: cur.Status}
		}
		to := m.Status
		if to == "" {
			to = cur.Status
		}
		updates := map[string]any{
			"status":     to,
			"updated_at": m.At,
			"updated_by": m.Actor,
		}
		if m.Grants != nil {
			updates["permitted_grants"] = model.Tokens(m.Grants.Permitted)
			updates["grantable_grants"] = model.Tokens(m.Grants.Grantable)
		}
		if m.Resources != nil {
			updates["granted_resource_refs"] = model.Tokens(m.Resources.Refs)
			updates["share_refs"] = m.Resources.Shares
		}

		res := tx.Model(&model.Subscription{}).
			Where("id = ? AND status = ?", id, cur.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			var now model.Subscription
			if err := tx.Select("status").First(&now, "id = ?", id).Error; err != nil {
				return err
			}
			return &ConditionError{ID: id, Current: now.Status}
		}

		for _, text := range cleanNotes(m.Notes) {
			n := model.Note{SubscriptionID: id, Text: text, CreatedAt: m.At, CreatedBy: m.Actor}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&n).Error; err != nil {
				return err
			}
		}

		if out, err = get(tx, id); err != nil {
			return err
		}
		t, err := transitionFor(out, cur.Status, m.Actor)
		if err != nil {
			return err
		}
		return tx.Create(t).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func transitionFor(s *model.Subscription, from model.Status, actor string) (*model.Transition, error) {
	snap, err := json.Marshal(struct {
		GrantState
		Refs []string `json:"refs"`
	}{
		GrantState: GrantState{Permitted: s.PermittedGrants, Grantable: s.GrantableGrants},
		Refs:       s.GrantedResourceRefs,
	})
	if err != nil {
		return nil, err
	}
	return &model.Transition{
		SubscriptionID: s.ID,
		FromStatus:     from,
		ToStatus:       s.Status,
		Actor:          actor,
		Grants:         datatypes.JSON(snap),
	}, nil
}

func (r *SubscriptionSQL) QueryByOwner(ctx context.Context, owner string, status model.Status, q Query) (Page, error) {
	tx := r.db.WithContext(ctx).Where("owner_principal = ?", owner)
	if status != "" {
		tx = tx.Where("status = ?", status)
		q.IncludeDeleted = q.IncludeDeleted || status == model.StatusDeleted
	}
	return r.page(tx, q, nil)
}

func (r *SubscriptionSQL) QueryBySubscriber(ctx context.Context, subscriber string, q Query) (Page, error) {
	tx := r.db.WithContext(ctx).Where("subscriber_principal = ?", subscriber)
	return r.page(tx, q, nil)
}

func (r *SubscriptionSQL) Scan(ctx context.Context, filter Predicate, q Query) (Page, error) {
	return r.page(r.db.WithContext(ctx), q, filter)
}

// page reads one keyset page ordered by id. The limit bounds the rows
// examined, so a filtered page may hold fewer items and still carry a token.
func (r *SubscriptionSQL) page(tx *gorm.DB, q Query, filter Predicate) (Page, error) {
	if !q.IncludeDeleted {
		tx = tx.Where("status <> ?", model.StatusDeleted)
	}
	if q.StartToken != "" {
		after, err := uuid.Parse(q.StartToken)
		if err != nil {
			return Page{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		tx = tx.Where("id > ?", after)
	}
	limit := q.limit()

	var rows []model.Subscription
	if err := tx.Preload("Notes", orderNotes).Order("id").Limit(limit + 1).Find(&rows).Error; err != nil {
		return Page{}, err
	}

	var p Page
	if len(rows) > limit {
		rows = rows[:limit]
		p.NextToken = rows[limit-1].ID.String()
	}
	for i := range rows {
		if filter != nil {
			ok, err := filter(&rows[i])
			if err != nil {
				return Page{}, err
			}
			if !ok {
				continue
			}
		}
		p.Items = append(p.Items, rows[i])
	}
	return p, nil
}
