// Package container models the folder hierarchy reports and settings are scoped to.
// The tree has one root; direct children of the root are projects and deeper
// nodes are folders.
package container

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// Type classifies a container by depth
type Type string

const (
	TypeRoot    Type = "root"
	TypeProject Type = "project"
	TypeFolder  Type = "folder"
)

// RootID is the fixed id of the root container
const RootID = "root"

// Container is one node of the tree
type Container struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Type     Type   `json:"type"`
}

// IsRoot reports whether c is the root container
func (c Container) IsRoot() bool {
	return c.ParentID == "" && c.Type == TypeRoot
}

// Listener is notified after a structural change
type Listener func(c Container)

// Tree is a concurrent in-memory registry of containers
type Tree struct {
	mu         sync.RWMutex
	containers map[string]Container
	children   map[string]map[string]bool

	listenerMu sync.RWMutex
	onDelete   []Listener
	onMove     []Listener

	logger *slog.Logger
}

// NewTree creates a tree holding only the root container
func NewTree(logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{
		containers: make(map[string]Container),
		children:   make(map[string]map[string]bool),
		logger:     logger.With(slog.String("component", "container_tree")),
	}
	t.containers[RootID] = Container{ID: RootID, Name: "/", Type: TypeRoot}
	return t
}

// Root returns the root container
func (t *Tree) Root() Container {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.containers[RootID]
}

// Get returns the container with the given id
func (t *Tree) Get(id string) (Container, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.containers[id]
	if !ok {
		return Container{}, apperrors.NewNotFoundError(fmt.Sprintf("container %s", id))
	}
	return c, nil
}

// Parent returns the parent of the given container. The root has none.
func (t *Tree) Parent(id string) (Container, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.containers[id]
	if !ok || c.ParentID == "" {
		return Container{}, false
	}
	p, ok := t.containers[c.ParentID]
	return p, ok
}

// Project returns the project a container belongs to. The root has no project.
func (t *Tree) Project(id string) (Container, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.containers[id]
	for ok && c.Type != TypeProject {
		if c.ParentID == "" {
			return Container{}, false
		}
		c, ok = t.containers[c.ParentID]
	}
	return c, ok
}

// Path returns the slash-separated path from the root, e.g. /home/study
func (t *Tree) Path(id string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var names []string
	c, ok := t.containers[id]
	if !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("container %s", id))
	}
	for c.ParentID != "" {
		names = append([]string{c.Name}, names...)
		c = t.containers[c.ParentID]
	}
	return "/" + path.Join(names...), nil
}

// Children returns the direct children of a container sorted by name
func (t *Tree) Children(id string) []Container {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Container, 0, len(t.children[id]))
	for childID := range t.children[id] {
		out = append(out, t.containers[childID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create adds a new container under parentID
func (t *Tree) Create(parentID, name string) (Container, error) {
	if name == "" {
		return Container{}, apperrors.NewAppError(apperrors.ErrTypeValidation, "container name is required", nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.containers[parentID]
	if !ok {
		return Container{}, apperrors.NewNotFoundError(fmt.Sprintf("container %s", parentID))
	}
	for childID := range t.children[parentID] {
		if t.containers[childID].Name == name {
			return Container{}, apperrors.NewAppError(apperrors.ErrTypeValidation,
				fmt.Sprintf("container %s already exists under %s", name, parent.Name), nil)
		}
	}

	c := Container{
		ID:       uuid.NewString(),
		Name:     name,
		ParentID: parentID,
		Type:     typeUnder(parent),
	}
	t.containers[c.ID] = c
	t.addChild(parentID, c.ID)

	t.logger.Debug("Container created",
		slog.String("container_id", c.ID),
		slog.String("name", name),
		slog.String("type", string(c.Type)))
	return c, nil
}

// Move reparents a container. Descendant types are recomputed.
func (t *Tree) Move(id, newParentID string) error {
	t.mu.Lock()

	c, ok := t.containers[id]
	if !ok || c.Type == TypeRoot {
		t.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("container %s", id))
	}
	newParent, ok := t.containers[newParentID]
	if !ok {
		t.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("container %s", newParentID))
	}
	for p := newParent; ; p = t.containers[p.ParentID] {
		if p.ID == id {
			t.mu.Unlock()
			return apperrors.NewAppError(apperrors.ErrTypeValidation, "cannot move a container below itself", nil)
		}
		if p.ParentID == "" {
			break
		}
	}

	delete(t.children[c.ParentID], id)
	c.ParentID = newParentID
	t.containers[id] = c
	t.addChild(newParentID, id)
	t.retype(id, typeUnder(newParent))
	moved := t.containers[id]
	t.mu.Unlock()

	t.logger.Info("Container moved",
		slog.String("container_id", id),
		slog.String("new_parent_id", newParentID))
	t.notify(&t.onMove, moved)
	return nil
}

// Delete removes a container and its whole subtree. Listeners are called
// once per removed container, children first.
func (t *Tree) Delete(id string) error {
	t.mu.Lock()

	c, ok := t.containers[id]
	if !ok || c.Type == TypeRoot {
		t.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("container %s", id))
	}

	var removed []Container
	var collect func(string)
	collect = func(cid string) {
		for childID := range t.children[cid] {
			collect(childID)
		}
		removed = append(removed, t.containers[cid])
		delete(t.containers, cid)
		delete(t.children, cid)
	}
	collect(id)
	delete(t.children[c.ParentID], id)
	t.mu.Unlock()

	t.logger.Info("Container deleted",
		slog.String("container_id", id),
		slog.Int("removed", len(removed)))
	for _, r := range removed {
		t.notify(&t.onDelete, r)
	}
	return nil
}

// OnDelete registers a listener called for every deleted container
func (t *Tree) OnDelete(l Listener) {
	t.listenerMu.Lock()
	t.onDelete = append(t.onDelete, l)
	t.listenerMu.Unlock()
}

// OnMove registers a listener called after a container is moved
func (t *Tree) OnMove(l Listener) {
	t.listenerMu.Lock()
	t.onMove = append(t.onMove, l)
	t.listenerMu.Unlock()
}

func (t *Tree) notify(listeners *[]Listener, c Container) {
	t.listenerMu.RLock()
	ls := append([]Listener(nil), *listeners...)
	t.listenerMu.RUnlock()
	for _, l := range ls {
		l(c)
	}
}

func (t *Tree) addChild(parentID, childID string) {
	if t.children[parentID] == nil {
		t.children[parentID] = make(map[string]bool)
	}
	t.children[parentID][childID] = true
}

// retype must be called with t.mu held
func (t *Tree) retype(id string, typ Type) {
	c := t.containers[id]
	c.Type = typ
	t.containers[id] = c
	for childID := range t.children[id] {
		t.retype(childID, TypeFolder)
	}
}

func typeUnder(parent Container) Type {
	if parent.Type == TypeRoot {
		return TypeProject
	}
	return TypeFolder
}
