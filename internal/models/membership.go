package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a member's permission level inside a tenant
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleBilling Role = "billing"
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
)

var roleRanks = map[Role]int{
	RoleViewer:  1,
	RoleBilling: 2,
	RoleMember:  3,
	RoleAdmin:   4,
	RoleOwner:   5,
}

// Rank returns the role's position in the hierarchy, 0 for unknown roles
func (r Role) Rank() int {
	return roleRanks[r]
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r grants everything min grants. Unknown roles on
// either side never satisfy the check.
func (r Role) AtLeast(min Role) bool {
	if !r.Valid() || !min.Valid() {
		return false
	}
	return r.Rank() >= min.Rank()
}

// Membership binds a user to a tenant (company_users row)
type Membership struct {
	TenantID  uuid.UUID `json:"company_id" db:"company_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OrganizationMembership is a membership joined with its tenant
type OrganizationMembership struct {
	TenantID   uuid.UUID `json:"id"`
	TenantName string    `json:"name"`
	Role       Role      `json:"member_role"`
	JoinedAt   time.Time `json:"joined_at"`
}
