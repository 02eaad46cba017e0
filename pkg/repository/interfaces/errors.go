package interfaces

import "errors"

// Common repository errors
var (
	ErrNotFound       = errors.New("entity not found")
	ErrDuplicate      = errors.New("entity already exists")
	ErrValidation     = errors.New("validation failed")
	ErrOptimisticLock = errors.New("optimistic lock failed")

	// Tenant isolation errors raised by the scoped repository layer.
	ErrAuthRequired     = errors.New("authenticated user required")
	ErrCrossTenantWrite = errors.New("entity belongs to a different user")
)
