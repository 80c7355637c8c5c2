package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LabKey/platform-sub050/internal/container"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/settings"
)

func strPtr(s string) *string { return &s }

func newSettingsService(t *testing.T) *SettingsService {
	t.Helper()
	tree := container.NewTree(nil)
	return NewSettingsService(tree, settings.NewManager(settings.NewMemoryStore(), tree, nil, nil), nil)
}

func TestSettingsServiceContainers(t *testing.T) {
	s := newSettingsService(t)
	ctx := context.Background()

	home, err := s.CreateContainer(ctx, container.RootID, "home")
	require.NoError(t, err)
	assert.Equal(t, container.TypeProject, home.Type)
	assert.Equal(t, "/home", home.Path)

	study, err := s.CreateContainer(ctx, home.ID, "study")
	require.NoError(t, err)
	assert.Equal(t, container.TypeFolder, study.Type)
	assert.Equal(t, "/home/study", study.Path)

	children, err := s.Children(home.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, study.ID, children[0].ID)

	other, err := s.CreateContainer(ctx, container.RootID, "other")
	require.NoError(t, err)
	moved, err := s.MoveContainer(ctx, study.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "/other/study", moved.Path)

	require.NoError(t, s.DeleteContainer(ctx, other.ID))
	_, err = s.Container(study.ID)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = s.Children("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSettingsServiceFolderSettings(t *testing.T) {
	s := newSettingsService(t)
	ctx := context.Background()

	home, err := s.CreateContainer(ctx, container.RootID, "home")
	require.NoError(t, err)
	study, err := s.CreateContainer(ctx, home.ID, "study")
	require.NoError(t, err)

	fs, err := s.FolderSettings(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, settings.DefaultDateFormat, fs.DefaultDateFormat)

	_, err = s.UpdateFolderSettings(ctx, home.ID, settings.FolderSettingsUpdate{DefaultDateFormat: strPtr("dd/MM/yyyy")})
	require.NoError(t, err)

	fs, err = s.FolderSettings(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, "dd/MM/yyyy", fs.DefaultDateFormat, "inherited from the project")

	restricted := true
	fs, err = s.UpdateFolderSettings(ctx, study.ID, settings.FolderSettingsUpdate{
		DefaultDateFormat:        strPtr("yyyy"),
		RestrictedColumnsEnabled: &restricted,
	})
	require.NoError(t, err)
	assert.Equal(t, "yyyy", fs.DefaultDateFormat)
	assert.True(t, fs.RestrictedColumnsEnabled)

	fs, err = s.UpdateFolderSettings(ctx, study.ID, settings.FolderSettingsUpdate{DefaultDateFormat: strPtr("")})
	require.NoError(t, err)
	assert.Equal(t, "dd/MM/yyyy", fs.DefaultDateFormat, "an empty value restores inheritance")

	_, err = s.FolderSettings(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSettingsServiceLookAndFeel(t *testing.T) {
	s := newSettingsService(t)
	ctx := context.Background()

	home, err := s.CreateContainer(ctx, container.RootID, "home")
	require.NoError(t, err)
	study, err := s.CreateContainer(ctx, home.ID, "study")
	require.NoError(t, err)

	laf, err := s.UpdateLookAndFeel(ctx, home.ID, LookAndFeelUpdate{SystemName: strPtr("Lab Portal")})
	require.NoError(t, err)
	assert.Equal(t, "Lab Portal", laf.SystemName)
	assert.Equal(t, settings.DefaultThemeName, laf.ThemeName)

	laf, err = s.LookAndFeel(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lab Portal", laf.SystemName, "folders see their project's branding")

	_, err = s.UpdateLookAndFeel(ctx, study.ID, LookAndFeelUpdate{ThemeName: strPtr("Dark")})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrTypeValidation, appErr.Type)
}

func TestSettingsServiceProperties(t *testing.T) {
	s := newSettingsService(t)
	ctx := context.Background()

	home, err := s.CreateContainer(ctx, container.RootID, "home")
	require.NoError(t, err)
	study, err := s.CreateContainer(ctx, home.ID, "study")
	require.NoError(t, err)

	require.NoError(t, s.SetProperty(ctx, home.ID, "custom", "color", "blue"))
	v, err := s.Property(ctx, study.ID, "custom", "color")
	require.NoError(t, err)
	assert.Equal(t, "blue", v)

	local, err := s.Properties(ctx, study.ID, "custom")
	require.NoError(t, err)
	assert.Empty(t, local)

	require.NoError(t, s.SetProperty(ctx, home.ID, "custom", "color", ""))
	v, err = s.Property(ctx, study.ID, "custom", "color")
	require.NoError(t, err)
	assert.Empty(t, v)
}
