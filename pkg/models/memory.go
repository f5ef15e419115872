package models

import "time"

// MemoryCategory is the closed enumeration of durable fact categories.
type MemoryCategory string

const (
	CategoryBusinessInfo    MemoryCategory = "business_info"
	CategoryTargetAudience  MemoryCategory = "target_audience"
	CategoryOffers          MemoryCategory = "offers"
	CategoryCurrentProjects MemoryCategory = "current_projects"
	CategoryChallenges      MemoryCategory = "challenges"
	CategoryGoals           MemoryCategory = "goals"
	CategoryPersonalInfo    MemoryCategory = "personal_info"
)

// MemoryCategories lists all valid categories in their fixed prompt order.
// The order matters: the context assembler renders memory sections in this
// sequence so that persona-critical sections survive context truncation.
var MemoryCategories = []MemoryCategory{
	CategoryBusinessInfo,
	CategoryTargetAudience,
	CategoryOffers,
	CategoryCurrentProjects,
	CategoryChallenges,
	CategoryGoals,
	CategoryPersonalInfo,
}

// ValidCategory reports whether c is part of the closed enumeration.
func ValidCategory(c MemoryCategory) bool {
	for _, known := range MemoryCategories {
		if c == known {
			return true
		}
	}
	return false
}

// MemorySource indicates how a memory fact entered the system.
type MemorySource string

const (
	SourceManual MemorySource = "manual"
	SourceAuto   MemorySource = "auto"
	SourceAgent  MemorySource = "agent"
)

// Memory is a durable, categorized fact about a user. Uniqueness of
// (user, tenant, category, key) is enforced logically by the store's
// Upsert path, not by a database constraint.
type Memory struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	Category MemoryCategory `json:"category"`
	Key      string         `json:"key"`
	Value    string         `json:"value"`
	Source   MemorySource   `json:"source"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
