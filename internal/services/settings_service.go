package services

import (
	"context"
	"log/slog"

	"github.com/LabKey/platform-sub050/internal/container"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
	"github.com/LabKey/platform-sub050/internal/settings"
)

// ContainerInfo is a container with its resolved path
type ContainerInfo struct {
	container.Container
	Path string
}

// SettingsService exposes the container tree and its scoped settings
type SettingsService struct {
	tree     *container.Tree
	settings *settings.Manager
	logger   *slog.Logger
}

// NewSettingsService creates a settings service
func NewSettingsService(tree *container.Tree, mgr *settings.Manager, logger *slog.Logger) *SettingsService {
	return &SettingsService{
		tree:     tree,
		settings: mgr,
		logger:   infrastructure.WithComponent(logger, "settings_service"),
	}
}

// Container returns a container and its path
func (s *SettingsService) Container(id string) (ContainerInfo, error) {
	c, err := s.tree.Get(id)
	if err != nil {
		return ContainerInfo{}, err
	}
	path, err := s.tree.Path(id)
	if err != nil {
		return ContainerInfo{}, err
	}
	return ContainerInfo{Container: c, Path: path}, nil
}

// Children returns the direct children of a container
func (s *SettingsService) Children(id string) ([]ContainerInfo, error) {
	if _, err := s.tree.Get(id); err != nil {
		return nil, err
	}
	var out []ContainerInfo
	for _, c := range s.tree.Children(id) {
		info, err := s.Container(c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// CreateContainer adds a container under parentID
func (s *SettingsService) CreateContainer(ctx context.Context, parentID, name string) (ContainerInfo, error) {
	c, err := s.tree.Create(parentID, name)
	if err != nil {
		return ContainerInfo{}, err
	}
	s.logger.InfoContext(ctx, "Container created",
		slog.String("container_id", c.ID),
		slog.String("parent_id", parentID),
		slog.String("type", string(c.Type)))
	return s.Container(c.ID)
}

// MoveContainer reparents a container. Cached folder settings are dropped.
func (s *SettingsService) MoveContainer(ctx context.Context, id, newParentID string) (ContainerInfo, error) {
	if err := s.tree.Move(id, newParentID); err != nil {
		return ContainerInfo{}, err
	}
	s.logger.InfoContext(ctx, "Container moved",
		slog.String("container_id", id),
		slog.String("parent_id", newParentID))
	return s.Container(id)
}

// DeleteContainer removes a container subtree along with its settings
func (s *SettingsService) DeleteContainer(ctx context.Context, id string) error {
	if err := s.tree.Delete(id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Container deleted", slog.String("container_id", id))
	return nil
}

// FolderSettings returns the resolved folder settings of a container
func (s *SettingsService) FolderSettings(ctx context.Context, id string) (settings.FolderSettings, error) {
	if _, err := s.tree.Get(id); err != nil {
		return settings.FolderSettings{}, err
	}
	return s.settings.FolderSettings(ctx, id)
}

// UpdateFolderSettings applies an update and returns the new resolved settings
func (s *SettingsService) UpdateFolderSettings(ctx context.Context, id string, u settings.FolderSettingsUpdate) (settings.FolderSettings, error) {
	if err := s.settings.SaveFolderSettings(ctx, id, u); err != nil {
		return settings.FolderSettings{}, err
	}
	return s.settings.FolderSettings(ctx, id)
}

// LookAndFeel returns the branding visible from a container
func (s *SettingsService) LookAndFeel(ctx context.Context, id string) (settings.LookAndFeel, error) {
	if _, err := s.tree.Get(id); err != nil {
		return settings.LookAndFeel{}, err
	}
	return s.settings.LookAndFeel(ctx, id)
}

// UpdateLookAndFeel writes the non-nil values and returns the resolved branding
func (s *SettingsService) UpdateLookAndFeel(ctx context.Context, id string, u LookAndFeelUpdate) (settings.LookAndFeel, error) {
	values := make(map[string]string)
	put := func(key string, v *string) {
		if v != nil {
			values[key] = *v
		}
	}
	put(settings.KeySystemName, u.SystemName)
	put(settings.KeySystemDescription, u.SystemDescription)
	put(settings.KeyThemeName, u.ThemeName)
	put(settings.KeyCompanyName, u.CompanyName)
	put(settings.KeySupportEmail, u.SupportEmail)

	if err := s.settings.SaveLookAndFeel(ctx, id, values); err != nil {
		return settings.LookAndFeel{}, err
	}
	return s.settings.LookAndFeel(ctx, id)
}

// LookAndFeelUpdate changes branding values. Nil fields are left alone.
type LookAndFeelUpdate struct {
	SystemName        *string
	SystemDescription *string
	ThemeName         *string
	CompanyName       *string
	SupportEmail      *string
}

// Properties returns the values stored at exactly one container
func (s *SettingsService) Properties(ctx context.Context, id, category string) (map[string]string, error) {
	return s.settings.Local(ctx, id, category)
}

// Property resolves one value with parent fallback
func (s *SettingsService) Property(ctx context.Context, id, category, key string) (string, error) {
	if _, err := s.tree.Get(id); err != nil {
		return "", err
	}
	return s.settings.Lookup(ctx, id, category, key, "")
}

// SetProperty writes one value at a container; an empty value removes it
func (s *SettingsService) SetProperty(ctx context.Context, id, category, key, value string) error {
	if value == "" {
		return s.settings.Remove(ctx, id, category, key)
	}
	return s.settings.Set(ctx, id, category, key, value)
}
