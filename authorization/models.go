package authorization

import "time"

// RoleAdmin, RoleEditor and RoleViewer are the closed set of role codes
// that affect core permission semantics. Additional codes may be present
// in a deployment but do not change how the permission predicate behaves.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Organization is the container for users and for org-scoped documents.
type Organization struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Description *string   `gorm:"size:500" json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Organization) TableName() string {
	return "organizations"
}

// User represents an application account. A user belongs to at most one
// organization; a superuser bypasses all permission predicates.
type User struct {
	ID           uint64     `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email        *string    `gorm:"size:255" json:"email,omitempty"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	OrgID        *uint64    `gorm:"index" json:"org_id,omitempty"`
	IsActive     bool       `gorm:"not null;default:true" json:"is_active"`
	IsSuperuser  bool       `gorm:"not null;default:false" json:"is_superuser"`
	Status       string     `gorm:"size:32;default:'active'" json:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Role represents a collection of permissions assigned to users. The core
// closed set is admin/editor/viewer; a system_flag marks those built-ins.
type Role struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Code      string    `gorm:"uniqueIndex;size:64;not null" json:"code"`
	System    bool      `gorm:"not null;default:false" json:"system"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Role) TableName() string {
	return "roles"
}

// UserRole associates users with roles.
type UserRole struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"uniqueIndex:idx_user_role;not null" json:"user_id"`
	RoleID    uint64    `gorm:"uniqueIndex:idx_user_role;not null" json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (UserRole) TableName() string {
	return "user_roles"
}

// ToolToken is a long-lived bearer credential bound to a user, used by
// external AI assistants talking to the tool-protocol endpoint.
type ToolToken struct {
	ID         uint64     `gorm:"primaryKey" json:"id"`
	OwnerID    uint64     `gorm:"not null;index" json:"owner_id"`
	Name       string     `gorm:"size:128;not null" json:"name"`
	SecretHash string     `gorm:"size:255;not null" json:"-"`
	Active     bool       `gorm:"not null;default:true" json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (ToolToken) TableName() string {
	return "tool_tokens"
}

// AdminRequestStatus is the closed set of states an AdminRequest moves
// through: a user files it pending, an existing admin approves or
// rejects it.
type AdminRequestStatus string

const (
	AdminRequestPending  AdminRequestStatus = "pending"
	AdminRequestApproved AdminRequestStatus = "approved"
	AdminRequestRejected AdminRequestStatus = "rejected"
)

// AdminRequest records a user's request to be granted the admin role and
// the eventual decision made by an existing admin.
type AdminRequest struct {
	ID        uint64             `gorm:"primaryKey" json:"id"`
	UserID    uint64             `gorm:"not null;index" json:"user_id"`
	Message   string             `gorm:"type:text" json:"message"`
	Status    AdminRequestStatus `gorm:"size:16;not null;default:'pending'" json:"status"`
	DecidedBy *uint64            `json:"decided_by,omitempty"`
	DecidedAt *time.Time         `json:"decided_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func (AdminRequest) TableName() string {
	return "admin_requests"
}
