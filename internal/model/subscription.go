package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type Subscription struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"subscription_id"`
	OwnerPrincipal      string     `gorm:"not null;index:idx_subscriptions_owner,priority:1" json:"owner_principal"`
	SubscriberPrincipal string     `gorm:"not null;index:idx_subscriptions_subscriber" json:"subscriber_principal"`
	Status              Status     `gorm:"type:varchar(16);not null;index:idx_subscriptions_owner,priority:2" json:"status"`
	Scope               ScopeField `gorm:"not null" json:"scope"`
	DedupKey            string     `gorm:"not null;index" json:"-"`
	RequestedGrants     Tokens     `gorm:"not null" json:"requested_grants"`
	PermittedGrants     Tokens     `json:"permitted_grants"`
	GrantableGrants     Tokens     `json:"grantable_grants"`
	GrantedResourceRefs Tokens     `json:"granted_resource_refs"`
	ShareRefs           ShareRefs  `json:"share_refs,omitempty"`
	Notes               []Note     `gorm:"foreignKey:SubscriptionID;constraint:OnDelete:CASCADE" json:"notes,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CreatedBy           string     `json:"created_by"`
	UpdatedAt           time.Time  `json:"updated_at"`
	UpdatedBy           string     `json:"updated_by,omitempty"`
}

// Note is one decision annotation. The (subscription, text) pair is the key,
// so writing the same note twice is a no-op.
type Note struct {
	SubscriptionID uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	Text           string    `gorm:"primaryKey" json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
}

func (Note) TableName() string { return "subscription_notes" }

// Transition is the audit row written with every mutation of a subscription.
type Transition struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SubscriptionID uuid.UUID      `gorm:"type:uuid;not null;index"`
	FromStatus     Status         `gorm:"type:varchar(16)"`
	ToStatus       Status         `gorm:"type:varchar(16);not null"`
	Actor          string
	Grants         datatypes.JSON
	CreatedAt      time.Time
}

func (Transition) TableName() string { return "subscription_transitions" }

// ShareRef is a cross-account resource share attached to a granted object.
type ShareRef struct {
	Type string `json:"type" dynamodbav:"type"`
	ARN  string `json:"arn" dynamodbav:"arn"`
}

// ShareRefs is keyed by the shared object name.
type ShareRefs map[string]ShareRef

func (r ShareRefs) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]ShareRef(r))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *ShareRefs) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scan share refs: unsupported type %T", value)
	}
	m := map[string]ShareRef{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = m
	return nil
}

func (ShareRefs) GormDataType() string { return "json" }

func (ShareRefs) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "JSON"
}

// ShareARNs returns the distinct share ARNs, sorted.
func (r ShareRefs) ShareARNs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range r {
		if s.ARN == "" {
			continue
		}
		if _, ok := seen[s.ARN]; ok {
			continue
		}
		seen[s.ARN] = struct{}{}
		out = append(out, s.ARN)
	}
	sort.Strings(out)
	return out
}

func (s *Subscription) NoteTexts() []string {
	out := make([]string, 0, len(s.Notes))
	for _, n := range s.Notes {
		out = append(out, n.Text)
	}
	sort.Strings(out)
	return out
}

// DedupKey identifies logically identical requests: same subscriber, same
// scope and the same requested permissions regardless of order.
func DedupKey(subscriber string, scope Scope, requested []string) string {
	grants := make([]string, 0, len(requested))
	for _, g := range requested {
		grants = append(grants, strings.ToUpper(strings.TrimSpace(g)))
	}
	sort.Strings(grants)
	key := ""
	if scope != nil {
		key = scope.Key()
	}
	return subscriber + "|" + key + "|" + strings.Join(grants, ",")
}

// View is the subscriber-facing projection: owner and status are internal.
type View struct {
	ID                  uuid.UUID  `json:"subscription_id"`
	SubscriberPrincipal string     `json:"subscriber_principal"`
	Scope               ScopeField `json:"scope"`
	RequestedGrants     []string   `json:"requested_grants"`
	PermittedGrants     []string   `json:"permitted_grants"`
	GrantableGrants     []string   `json:"grantable_grants"`
	GrantedResourceRefs []string   `json:"granted_resource_refs"`
	ShareRefs           ShareRefs  `json:"share_refs,omitempty"`
	Notes               []string   `json:"notes,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CreatedBy           string     `json:"created_by"`
	UpdatedAt           time.Time  `json:"updated_at"`
	UpdatedBy           string     `json:"updated_by,omitempty"`
}

func (s *Subscription) View() View {
	return View{
		ID:                  s.ID,
		SubscriberPrincipal: s.SubscriberPrincipal,
		Scope:               s.Scope,
		RequestedGrants:     s.RequestedGrants,
		PermittedGrants:     s.PermittedGrants,
		GrantableGrants:     s.GrantableGrants,
		GrantedResourceRefs: s.GrantedResourceRefs,
		ShareRefs:           s.ShareRefs,
		Notes:               s.NoteTexts(),
		CreatedAt:           s.CreatedAt,
		CreatedBy:           s.CreatedBy,
		UpdatedAt:           s.UpdatedAt,
		UpdatedBy:           s.UpdatedBy,
	}
}
