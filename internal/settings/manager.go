package settings

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/LabKey/platform-sub050/internal/container"
	apperrors "github.com/LabKey/platform-sub050/internal/errors"
	"github.com/LabKey/platform-sub050/internal/infrastructure"
)

// Property categories
const (
	CategoryLookAndFeel = "LookAndFeel"
	CategorySiteConfig  = "SiteConfig"
)

// Folder setting keys, stored in the look-and-feel category
const (
	KeyDefaultDateFormat        = "defaultDateFormatString"
	KeyDefaultDateTimeFormat    = "defaultDateTimeFormatString"
	KeyDefaultNumberFormat      = "defaultNumberFormatString"
	KeyRestrictedColumnsEnabled = "restrictedColumnsEnabled"
)

// Look-and-feel keys
const (
	KeySystemName        = "systemShortName"
	KeySystemDescription = "systemDescription"
	KeyThemeName         = "themeName"
	KeyCompanyName       = "companyName"
	KeySupportEmail      = "systemEmailAddress"
)

// Site keys, stored at the root
const (
	KeyBaseServerURL = "baseServerURL"
)

// Defaults used when no container in the chain sets a value
const (
	DefaultDateFormat     = "yyyy-MM-dd"
	DefaultDateTimeFormat = "yyyy-MM-dd HH:mm"
	DefaultNumberFormat   = ""
	DefaultSystemName     = "LabKey Server"
	DefaultThemeName      = "Seattle"
)

// LookAndFeel holds the project level branding settings
type LookAndFeel struct {
	SystemName        string `json:"system_name"`
	SystemDescription string `json:"system_description"`
	ThemeName         string `json:"theme_name"`
	CompanyName       string `json:"company_name"`
	SupportEmail      string `json:"support_email"`
}

// FolderSettingsUpdate changes folder settings at one container.
// Nil fields are left alone; empty strings remove the local value so it is inherited again.
type FolderSettingsUpdate struct {
	DefaultDateFormat        *string `json:"default_date_format,omitempty"`
	DefaultDateTimeFormat    *string `json:"default_date_time_format,omitempty"`
	DefaultNumberFormat      *string `json:"default_number_format,omitempty"`
	RestrictedColumnsEnabled *bool   `json:"restricted_columns_enabled,omitempty"`
}

// Manager ties the property store, the container tree and the folder settings cache together
type Manager struct {
	store  PropertyStore
	tree   *container.Tree
	cache  *FolderSettingsCache
	logger *slog.Logger
}

// NewManager creates a settings manager and hooks cache invalidation into the tree
func NewManager(store PropertyStore, tree *container.Tree, metrics *infrastructure.ReportMetrics, logger *slog.Logger) *Manager {
	m := &Manager{
		store:  store,
		tree:   tree,
		logger: infrastructure.WithComponent(logger, "settings"),
	}
	m.cache = NewFolderSettingsCache(m.resolveFolderSettings, metrics)

	tree.OnDelete(func(c container.Container) {
		m.cache.Remove(c.ID)
		if err := store.DeleteContainer(context.Background(), c.ID); err != nil {
			m.logger.Error("Failed to delete container settings",
				slog.String("container_id", c.ID),
				slog.String("error", err.Error()))
		}
	})
	// a move changes the ancestry of the whole subtree
	tree.OnMove(func(container.Container) { m.cache.Clear() })

	return m
}

// Cache exposes the folder settings cache
func (m *Manager) Cache() *FolderSettingsCache {
	return m.cache
}

// Lookup resolves a system-scoped value with parent fallback
func (m *Manager) Lookup(ctx context.Context, containerID, category, key, def string) (string, error) {
	return Lookup(ctx, m.store, m.tree, containerID, category, key, def)
}

// Set writes a value at exactly the given container
func (m *Manager) Set(ctx context.Context, containerID, category, key, value string) error {
	if _, err := m.tree.Get(containerID); err != nil {
		return err
	}
	if err := m.store.SetProperty(ctx, m.scope(containerID, category), key, value); err != nil {
		return err
	}
	m.afterWrite(ctx, containerID, category)
	return nil
}

// Remove deletes the local value at the given container so it is inherited again
func (m *Manager) Remove(ctx context.Context, containerID, category, key string) error {
	if _, err := m.tree.Get(containerID); err != nil {
		return err
	}
	if err := m.store.RemoveProperty(ctx, m.scope(containerID, category), key); err != nil {
		return err
	}
	m.afterWrite(ctx, containerID, category)
	return nil
}

// Local returns the values stored at exactly the given container
func (m *Manager) Local(ctx context.Context, containerID, category string) (map[string]string, error) {
	if _, err := m.tree.Get(containerID); err != nil {
		return nil, err
	}
	return m.store.Properties(ctx, m.scope(containerID, category))
}

// FolderSettings returns the resolved folder settings through the cache
func (m *Manager) FolderSettings(ctx context.Context, containerID string) (FolderSettings, error) {
	return m.cache.Get(ctx, containerID)
}

// SaveFolderSettings applies an update at the given container
func (m *Manager) SaveFolderSettings(ctx context.Context, containerID string, u FolderSettingsUpdate) error {
	apply := func(key string, v *string) error {
		if v == nil {
			return nil
		}
		if *v == "" {
			return m.Remove(ctx, containerID, CategoryLookAndFeel, key)
		}
		return m.Set(ctx, containerID, CategoryLookAndFeel, key, *v)
	}

	if err := apply(KeyDefaultDateFormat, u.DefaultDateFormat); err != nil {
		return err
	}
	if err := apply(KeyDefaultDateTimeFormat, u.DefaultDateTimeFormat); err != nil {
		return err
	}
	if err := apply(KeyDefaultNumberFormat, u.DefaultNumberFormat); err != nil {
		return err
	}
	if u.RestrictedColumnsEnabled != nil {
		v := strconv.FormatBool(*u.RestrictedColumnsEnabled)
		if err := apply(KeyRestrictedColumnsEnabled, &v); err != nil {
			return err
		}
	}
	return nil
}

// LookAndFeel resolves branding from the project and then the root
func (m *Manager) LookAndFeel(ctx context.Context, containerID string) (LookAndFeel, error) {
	get := func(key, def string) (string, error) {
		return lookupProjectOrRoot(ctx, m.store, m.tree, containerID, CategoryLookAndFeel, key, def)
	}

	var (
		laf LookAndFeel
		err error
	)
	if laf.SystemName, err = get(KeySystemName, DefaultSystemName); err != nil {
		return LookAndFeel{}, err
	}
	if laf.SystemDescription, err = get(KeySystemDescription, ""); err != nil {
		return LookAndFeel{}, err
	}
	if laf.ThemeName, err = get(KeyThemeName, DefaultThemeName); err != nil {
		return LookAndFeel{}, err
	}
	if laf.CompanyName, err = get(KeyCompanyName, ""); err != nil {
		return LookAndFeel{}, err
	}
	if laf.SupportEmail, err = get(KeySupportEmail, ""); err != nil {
		return LookAndFeel{}, err
	}
	return laf, nil
}

// SaveLookAndFeel writes branding values. Only projects and the root carry them.
func (m *Manager) SaveLookAndFeel(ctx context.Context, containerID string, values map[string]string) error {
	c, err := m.tree.Get(containerID)
	if err != nil {
		return err
	}
	if c.Type == container.TypeFolder {
		return apperrors.NewAppError(apperrors.ErrTypeValidation,
			"look and feel settings can only be set on a project or the root", nil)
	}
	for k, v := range values {
		if err := m.Set(ctx, containerID, CategoryLookAndFeel, k, v); err != nil {
			return err
		}
	}
	return nil
}

// BaseServerURL returns the site base URL stored at the root, or def
func (m *Manager) BaseServerURL(ctx context.Context, def string) (string, error) {
	return m.Lookup(ctx, container.RootID, CategorySiteConfig, KeyBaseServerURL, def)
}

// SetBaseServerURL stores the site base URL
func (m *Manager) SetBaseServerURL(ctx context.Context, url string) error {
	return m.Set(ctx, container.RootID, CategorySiteConfig, KeyBaseServerURL, url)
}

func (m *Manager) resolveFolderSettings(ctx context.Context, containerID string) (FolderSettings, error) {
	var (
		fs  FolderSettings
		err error
	)
	if fs.DefaultDateFormat, err = m.Lookup(ctx, containerID, CategoryLookAndFeel, KeyDefaultDateFormat, DefaultDateFormat); err != nil {
		return FolderSettings{}, err
	}
	if fs.DefaultDateTimeFormat, err = m.Lookup(ctx, containerID, CategoryLookAndFeel, KeyDefaultDateTimeFormat, DefaultDateTimeFormat); err != nil {
		return FolderSettings{}, err
	}
	if fs.DefaultNumberFormat, err = m.Lookup(ctx, containerID, CategoryLookAndFeel, KeyDefaultNumberFormat, DefaultNumberFormat); err != nil {
		return FolderSettings{}, err
	}
	restricted, err := m.Lookup(ctx, containerID, CategoryLookAndFeel, KeyRestrictedColumnsEnabled, "false")
	if err != nil {
		return FolderSettings{}, err
	}
	fs.RestrictedColumnsEnabled, _ = strconv.ParseBool(restricted)
	return fs, nil
}

func (m *Manager) afterWrite(ctx context.Context, containerID, category string) {
	if category == CategoryLookAndFeel {
		m.cache.Clear()
	}
	m.logger.DebugContext(ctx, "Setting written",
		slog.String("container_id", containerID),
		slog.String("category", category))
}

func (m *Manager) scope(containerID, category string) Scope {
	return Scope{UserID: SystemUser, ContainerID: containerID, Category: category}
}
