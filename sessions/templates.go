package sessions

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Template is the data an externally hosted template page fetches to
// render a job.
type Template struct {
	File  string          `json:"file"`
	Name  string          `json:"name,omitempty"`
	Props json.RawMessage `json:"props,omitempty"`
}

// TemplateStore keeps template data alive for the duration of one render.
type TemplateStore struct {
	mu    sync.RWMutex
	items map[string]Template
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{items: make(map[string]Template)}
}

func (s *TemplateStore) Add(file, name string, props json.RawMessage) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.items[id] = Template{File: file, Name: name, Props: props}
	s.mu.Unlock()
	return id
}

func (s *TemplateStore) Get(id string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.items[id]
	return t, ok
}

func (s *TemplateStore) Delete(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *TemplateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
