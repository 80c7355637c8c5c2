package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/LabKey/platform-sub050/internal/errors"
)

// Store persists report descriptors
type Store interface {
	Get(ctx context.Context, id int64) (*Descriptor, error)
	List(ctx context.Context, containerID string) ([]*Descriptor, error)
	// Save inserts a descriptor with ReportID 0 and updates any other.
	Save(ctx context.Context, d *Descriptor) (*Descriptor, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// MemoryStore keeps descriptors in memory
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]*Descriptor
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[int64]*Descriptor)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("report")
	}
	return d.Clone(), nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, containerID string) ([]*Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Descriptor
	for _, d := range s.items {
		if containerID == "" || d.ContainerID == containerID {
			out = append(out, d.Clone())
		}
	}
	sortDescriptors(out)
	return out, nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	d = d.Clone()
	if d.ReportID == 0 {
		s.nextID++
		d.ReportID = s.nextID
		prepareInsert(d, now)
	} else {
		existing, ok := s.items[d.ReportID]
		if !ok {
			return nil, apperrors.NewNotFoundError("report")
		}
		d.Created = existing.Created
		d.EntityID = existing.EntityID
	}
	d.Modified = now
	s.items[d.ReportID] = d
	return d.Clone(), nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return apperrors.NewNotFoundError("report")
	}
	delete(s.items, id)
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

func prepareInsert(d *Descriptor, now time.Time) {
	d.Created = now
	if d.EntityID == "" {
		d.EntityID = uuid.NewString()
	}
	if d.ContentModified.IsZero() {
		d.ContentModified = now
	}
	if d.DescriptorType == "" {
		d.DescriptorType = descriptorTypeFor(d.ReportType)
	}
}

func sortDescriptors(ds []*Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].DisplayOrder != ds[j].DisplayOrder {
			return ds[i].DisplayOrder < ds[j].DisplayOrder
		}
		return ds[i].ReportID < ds[j].ReportID
	})
}
