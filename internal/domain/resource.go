package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ResourceID string
type ResourceKind string
type ResourceStatus string

const (
	ResourceMemory ResourceKind = "memory"
	ResourceFile   ResourceKind = "file"

	StatusProcessing ResourceStatus = "processing"
	StatusSuccess    ResourceStatus = "success"
	StatusFailed     ResourceStatus = "failed"

	labelMaxRunes = 32
)

func (k ResourceKind) Valid() bool {
	return k == ResourceMemory || k == ResourceFile
}

func ParseResourceStatus(value string) (ResourceStatus, error) {
	switch status := ResourceStatus(strings.ToLower(strings.TrimSpace(value))); status {
	case StatusProcessing, StatusSuccess, StatusFailed:
		return status, nil
	case "":
		return StatusSuccess, nil
	default:
		return "", fmt.Errorf("unsupported resource status %q", value)
	}
}

// Resource is a memory snippet or an uploaded file attached to a chat.
// Memories carry Content, files carry Name.
type Resource struct {
	ID        ResourceID
	Kind      ResourceKind
	Name      string
	Content   string
	Persist   bool
	Status    ResourceStatus
	Error     string
	CreatedAt time.Time
}

func (r Resource) Label() string {
	if r.Name != "" {
		return r.Name
	}
	runes := []rune(strings.TrimSpace(r.Content))
	if len(runes) > labelMaxRunes {
		return string(runes[:labelMaxRunes]) + "..."
	}
	if len(runes) == 0 {
		return string(r.ID)
	}
	return string(runes)
}

// CheckUsable rejects resources that may not be selected or toggled yet.
func (r Resource) CheckUsable() error {
	switch r.Status {
	case StatusProcessing:
		return fmt.Errorf("%s: %w", r.Label(), ErrNotReady)
	case StatusFailed:
		reason := r.Error
		if reason == "" {
			reason = "processing failed"
		}
		return fmt.Errorf("%s: %w: %s", r.Label(), ErrUnusable, reason)
	default:
		return nil
	}
}

func SortResources(resources []Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		if resources[i].CreatedAt.Equal(resources[j].CreatedAt) {
			return resources[i].ID < resources[j].ID
		}
		return resources[i].CreatedAt.Before(resources[j].CreatedAt)
	})
}

// SelectionSet holds the resources picked for the next message. It lives
// for one session and is never persisted.
type SelectionSet map[ResourceID]struct{}

func NewSelectionSet(ids ...ResourceID) SelectionSet {
	set := make(SelectionSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s SelectionSet) Has(id ResourceID) bool {
	_, ok := s[id]
	return ok
}

func (s SelectionSet) Add(id ResourceID) { s[id] = struct{}{} }
func (s SelectionSet) Remove(id ResourceID) { delete(s, id) }

func (s SelectionSet) IDs() []ResourceID {
	ids := make([]ResourceID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Effective returns the persisted resources plus the selected ones, ordered
// by creation time.
func Effective(resources []Resource, selected SelectionSet) []Resource {
	out := make([]Resource, 0, len(resources))
	for _, res := range resources {
		if res.Persist || selected.Has(res.ID) {
			out = append(out, res)
		}
	}
	SortResources(out)
	return out
}
