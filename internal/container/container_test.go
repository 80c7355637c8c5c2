package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

func buildChain(t *testing.T) (*Tree, Container, Container) {
	t.Helper()
	tree := NewTree(nil)
	project, err := tree.Create(RootID, "home")
	require.NoError(t, err)
	folder, err := tree.Create(project.ID, "study")
	require.NoError(t, err)
	return tree, project, folder
}

func TestCreateAndLookup(t *testing.T) {
	tree, project, folder := buildChain(t)

	assert.True(t, tree.Root().IsRoot())
	assert.Equal(t, TypeProject, project.Type)
	assert.Equal(t, TypeFolder, folder.Type)

	parent, ok := tree.Parent(folder.ID)
	require.True(t, ok)
	assert.Equal(t, project.ID, parent.ID)

	_, ok = tree.Parent(RootID)
	assert.False(t, ok)

	p, ok := tree.Project(folder.ID)
	require.True(t, ok)
	assert.Equal(t, project.ID, p.ID)
	_, ok = tree.Project(RootID)
	assert.False(t, ok)

	path, err := tree.Path(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "/home/study", path)

	rootPath, err := tree.Path(RootID)
	require.NoError(t, err)
	assert.Equal(t, "/", rootPath)

	_, err = tree.Create(project.ID, "study")
	assert.Error(t, err)
	_, err = tree.Create("missing", "x")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = tree.Create(RootID, "")
	assert.Error(t, err)
}

func TestMove(t *testing.T) {
	tree, project, folder := buildChain(t)
	other, err := tree.Create(RootID, "other")
	require.NoError(t, err)

	var moved []string
	tree.OnMove(func(c Container) { moved = append(moved, c.ID) })

	require.NoError(t, tree.Move(project.ID, other.ID))
	c, err := tree.Get(project.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeFolder, c.Type)
	assert.Equal(t, []string{project.ID}, moved)

	p, ok := tree.Project(folder.ID)
	require.True(t, ok)
	assert.Equal(t, other.ID, p.ID)
	assert.Len(t, tree.Children(other.ID), 1)
	assert.Len(t, tree.Children(RootID), 1)

	assert.Error(t, tree.Move(other.ID, folder.ID), "cycle")
	assert.Error(t, tree.Move(RootID, other.ID))
}

func TestDeleteNotifiesSubtree(t *testing.T) {
	tree, project, folder := buildChain(t)

	var deleted []string
	tree.OnDelete(func(c Container) { deleted = append(deleted, c.ID) })

	require.NoError(t, tree.Delete(project.ID))
	assert.Equal(t, []string{folder.ID, project.ID}, deleted)

	_, err := tree.Get(folder.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, tree.Children(RootID))
	assert.Error(t, tree.Delete(RootID))
}
