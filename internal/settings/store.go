// Package settings implements container-scoped property maps with inheritance
// up the container tree, the folder settings cache and look-and-feel lookup.
package settings

import (
	"context"
)

// SystemUser is the user id of site and container wide (non-personal) settings
const SystemUser int64 = 0

// Scope identifies one property map
type Scope struct {
	UserID      int64
	ContainerID string
	Category    string
}

// PropertyStore persists property maps.
// Properties returns an empty map, not an error, for a scope with no values.
type PropertyStore interface {
	Properties(ctx context.Context, scope Scope) (map[string]string, error)
	SetProperty(ctx context.Context, scope Scope, key, value string) error
	RemoveProperty(ctx context.Context, scope Scope, key string) error
	SaveProperties(ctx context.Context, scope Scope, props map[string]string) error
	DeleteContainer(ctx context.Context, containerID string) error
	Close() error
}
