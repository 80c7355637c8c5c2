package settings

import (
	"context"

	"github.com/LabKey/platform-sub050/internal/container"
)

// Lookup resolves key in category for a container with parent fallback.
// At the root the local value or def is returned; below the root a missing
// local value is looked up in the parent.
func Lookup(ctx context.Context, store PropertyStore, tree *container.Tree, containerID, category, key, def string) (string, error) {
	c, err := tree.Get(containerID)
	if err != nil {
		return "", err
	}

	for {
		props, err := store.Properties(ctx, Scope{UserID: SystemUser, ContainerID: c.ID, Category: category})
		if err != nil {
			return "", err
		}
		if v, ok := props[key]; ok {
			return v, nil
		}
		if c.IsRoot() {
			return def, nil
		}
		parent, ok := tree.Parent(c.ID)
		if !ok {
			return def, nil
		}
		c = parent
	}
}

// lookupProjectOrRoot consults the container's project and then the root.
// Folder level values are never read.
func lookupProjectOrRoot(ctx context.Context, store PropertyStore, tree *container.Tree, containerID, category, key, def string) (string, error) {
	if _, err := tree.Get(containerID); err != nil {
		return "", err
	}

	if project, ok := tree.Project(containerID); ok {
		props, err := store.Properties(ctx, Scope{UserID: SystemUser, ContainerID: project.ID, Category: category})
		if err != nil {
			return "", err
		}
		if v, ok := props[key]; ok {
			return v, nil
		}
	}

	props, err := store.Properties(ctx, Scope{UserID: SystemUser, ContainerID: container.RootID, Category: category})
	if err != nil {
		return "", err
	}
	if v, ok := props[key]; ok {
		return v, nil
	}
	return def, nil
}
