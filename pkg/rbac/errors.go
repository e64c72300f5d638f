package rbac

import "errors"

var (
	// ErrNotFound is returned when a referenced id does not exist
	ErrNotFound = errors.New("rbac: not found")

	// ErrCycleDetected is returned when the role hierarchy loops or exceeds MaxHierarchyDepth
	ErrCycleDetected = errors.New("rbac: role hierarchy cycle detected")

	// ErrConditionEvaluation is returned when a policy condition cannot be evaluated.
	// Decisions treat it as a failed condition.
	ErrConditionEvaluation = errors.New("rbac: policy condition evaluation failed")

	// ErrInvalidGrant is returned for malformed grants and illegal approval transitions
	ErrInvalidGrant = errors.New("rbac: invalid grant")

	// ErrPrincipalNotFound is returned when the user or group does not exist
	ErrPrincipalNotFound = errors.New("rbac: principal not found")

	// ErrRoleInUse is returned when deleting a role that is still referenced
	ErrRoleInUse = errors.New("rbac: role is still referenced")

	// ErrSystemRole is returned when deleting a system role
	ErrSystemRole = errors.New("rbac: system roles cannot be deleted")

	// ErrConflict is returned when a write collides with an existing row
	ErrConflict = errors.New("rbac: conflict")

	// ErrSelfApproval is returned when the requester of a grant tries to approve it
	ErrSelfApproval = errors.New("rbac: grant cannot be approved by its requester")

	// ErrInvalidArgument is returned for malformed roles, policies and requests
	ErrInvalidArgument = errors.New("rbac: invalid argument")
)
