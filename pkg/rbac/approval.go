package rbac

import (
	"fmt"
	"time"
)

// ValidateTransition checks a move of the approval state machine. Only
// pending grants can be decided; approved and rejected are terminal.
func ValidateTransition(from, to ApprovalStatus) error {
	if to != ApprovalApproved && to != ApprovalRejected {
		return fmt.Errorf("cannot move a grant to %q: %w", to, ErrInvalidGrant)
	}
	if from != ApprovalPending {
		return fmt.Errorf("grant is already %s: %w", from, ErrInvalidGrant)
	}
	return nil
}

// ValidateUserRole checks a new user grant. An empty status defaults to pending.
func ValidateUserRole(ur *UserRole, now time.Time) error {
	if ur.ApprovalStatus == "" {
		ur.ApprovalStatus = ApprovalPending
	}
	if !ur.ApprovalStatus.Valid() {
		return fmt.Errorf("unknown approval status %q: %w", ur.ApprovalStatus, ErrInvalidGrant)
	}
	if ur.IsTemporary {
		if ur.ExpiresAt == nil {
			return fmt.Errorf("temporary grant needs an expiry: %w", ErrInvalidGrant)
		}
		if !ur.ExpiresAt.After(now) {
			return fmt.Errorf("temporary grant already expired: %w", ErrInvalidGrant)
		}
	} else if ur.ExpiresAt != nil {
		return fmt.Errorf("only temporary grants expire: %w", ErrInvalidGrant)
	}
	return nil
}

// ValidateRoleResource checks a resource grant
func ValidateRoleResource(rr *RoleResource) error {
	if rr.ResourceType == "" || rr.ResourceID == "" {
		return fmt.Errorf("resource type and id are required: %w", ErrInvalidGrant)
	}
	if len(rr.AllowedActions) == 0 {
		return fmt.Errorf("allowed actions must not be empty: %w", ErrInvalidGrant)
	}
	for _, a := range rr.AllowedActions {
		if a == "" {
			return fmt.Errorf("empty action: %w", ErrInvalidGrant)
		}
	}
	return nil
}
