// Package admin implements audited operator actions on the ledger: balance
// adjustments, reversals, withdrawal review and drift correction.
package admin

import (
	"fmt"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
)

// Capability is a single admin permission.
type Capability string

const (
	CapSuspendUsers       Capability = "can_suspend_users"
	CapAdjustTransactions Capability = "can_adjust_transactions"
	CapVerifyKYC          Capability = "can_verify_kyc"
	CapManageAdmins       Capability = "can_manage_admins"
)

// ApplyRole sets the capability flags implied by a.Role.
func ApplyRole(a *database.AdminUser) error {
	switch a.Role {
	case database.RoleSuperAdmin:
		a.CanSuspendUsers = true
		a.CanAdjustTransactions = true
		a.CanVerifyKYC = true
		a.CanManageAdmins = true
	case database.RoleAdmin:
		a.CanSuspendUsers = true
		a.CanAdjustTransactions = true
		a.CanVerifyKYC = true
		a.CanManageAdmins = false
	case database.RoleModerator:
		a.CanSuspendUsers = false
		a.CanAdjustTransactions = false
		a.CanVerifyKYC = true
		a.CanManageAdmins = false
	case database.RoleAnalyst:
		a.CanSuspendUsers = false
		a.CanAdjustTransactions = false
		a.CanVerifyKYC = false
		a.CanManageAdmins = false
	default:
		return fmt.Errorf("unknown admin role %q", a.Role)
	}
	return nil
}

// Has reports whether an active admin holds c.
func Has(a *database.AdminUser, c Capability) bool {
	if a == nil || !a.IsActive {
		return false
	}
	switch c {
	case CapSuspendUsers:
		return a.CanSuspendUsers
	case CapAdjustTransactions:
		return a.CanAdjustTransactions
	case CapVerifyKYC:
		return a.CanVerifyKYC
	case CapManageAdmins:
		return a.CanManageAdmins
	}
	return false
}

func requireCap(a *database.AdminUser, c Capability) error {
	if !Has(a, c) {
		if a != nil && !a.IsActive {
			return fmt.Errorf("%w: admin %s is disabled", ledger.ErrPermissionDenied, a.ID)
		}
		return fmt.Errorf("%w: %s required", ledger.ErrPermissionDenied, c)
	}
	return nil
}
