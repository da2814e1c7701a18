package database

import (
	"encoding/json"
	"time"
)

// AdminRole mirrors the admin panel roles.
type AdminRole string

const (
	RoleSuperAdmin AdminRole = "superadmin"
	RoleAdmin      AdminRole = "admin"
	RoleModerator  AdminRole = "moderator"
	RoleAnalyst    AdminRole = "analyst"
)

// AdminUser is the privileged profile attached to a platform user.
type AdminUser struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	Role                  AdminRole `json:"role"`
	IsActive              bool      `json:"is_active"`
	CanSuspendUsers       bool      `json:"can_suspend_users"`
	CanAdjustTransactions bool      `json:"can_adjust_transactions"`
	CanVerifyKYC          bool      `json:"can_verify_kyc"`
	CanManageAdmins       bool      `json:"can_manage_admins"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// AuditRecord is one append-only admin log row. OldValue and NewValue hold
// encoded snapshots; the admin package owns their schema.
type AuditRecord struct {
	ID             string          `json:"id"`
	AdminID        string          `json:"admin_id"`
	ActionType     string          `json:"action_type"`
	AffectedUserID string          `json:"affected_user_id,omitempty"`
	ResourceType   string          `json:"resource_type,omitempty"`
	ResourceID     string          `json:"resource_id,omitempty"`
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	Reason         string          `json:"reason"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditFilter narrows ListAuditRecords. Results are newest first.
type AuditFilter struct {
	AffectedUserID string
	AdminID        string
	ActionType     string
	Limit          int
	Offset         int
}

func (f AuditFilter) matches(r *AuditRecord) bool {
	if f.AffectedUserID != "" && r.AffectedUserID != f.AffectedUserID {
		return false
	}
	if f.AdminID != "" && r.AdminID != f.AdminID {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	return true
}
