package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryService struct {
	mu    sync.RWMutex
	tools map[uuid.UUID]*ToolType
	now   func() time.Time
}

// NewMemoryService returns a catalog held in process memory.
func NewMemoryService() Service {
	return &memoryService{
		tools: make(map[uuid.UUID]*ToolType),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryService) AddToolType(_ context.Context, name, code, description string, totalQuantity int) (*ToolType, error) {
	name, code, description = strings.TrimSpace(name), strings.TrimSpace(code), strings.TrimSpace(description)
	if err := validateNew(name, totalQuantity); err != nil {
		return nil, err
	}
	now := s.now()
	tool := &ToolType{
		ID:            uuid.New(),
		Name:          name,
		Code:          code,
		Description:   description,
		TotalQuantity: totalQuantity,
		Available:     totalQuantity,
		Status:        StatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.tools[tool.ID] = tool
	s.mu.Unlock()

	out := *tool
	return &out, nil
}

func (s *memoryService) GetToolType(_ context.Context, id uuid.UUID) (*ToolType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *tool
	return &out, nil
}

func (s *memoryService) ListToolTypes(_ context.Context) ([]*ToolType, error) {
	return s.filter(func(*ToolType) bool { return true }), nil
}

func (s *memoryService) UpdateTotal(_ context.Context, id uuid.UUID, totalQuantity int) (*ToolType, error) {
	if totalQuantity < 0 {
		return nil, fmt.Errorf("%w: total_quantity must not be negative", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tool.Available += totalQuantity - tool.TotalQuantity
	tool.TotalQuantity = totalQuantity
	tool.Version++
	tool.UpdatedAt = s.now()
	out := *tool
	return &out, nil
}

func (s *memoryService) SetAvailable(_ context.Context, id uuid.UUID, available int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tool.Available = available
	tool.UpdatedAt = s.now()
	return nil
}

func (s *memoryService) RemoveToolType(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tool.Status = StatusRetired
	tool.Version++
	tool.UpdatedAt = s.now()
	return nil
}

func (s *memoryService) Search(_ context.Context, query string) ([]*ToolType, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidInput)
	}
	return s.filter(func(t *ToolType) bool {
		return strings.Contains(strings.ToLower(t.Name), query) ||
			strings.Contains(strings.ToLower(t.Description), query) ||
			strings.EqualFold(t.Code, query)
	}), nil
}

// filter returns copies of the active tool types matching keep, by name.
func (s *memoryService) filter(keep func(*ToolType) bool) []*ToolType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*ToolType{}
	for _, t := range s.tools {
		if t.Status != StatusActive || !keep(t) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
