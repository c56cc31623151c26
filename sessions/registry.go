package sessions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlePrefix marks inline-document handles.
const HandlePrefix = "render-"

// IdentityHeader carries the connection id or inline-document handle of the
// render a resource request belongs to.
const IdentityHeader = "X-Renderer-Id"

// Client is the registry's view of a live render connection.
type Client interface {
	// Call issues verb to the remote side and waits for its reply.
	Call(ctx context.Context, verb string, params any) (json.RawMessage, error)
}

// InlineDoc is an HTML blob registered by a renderHtml request.
type InlineDoc struct {
	ConnID  string
	HTML    string
	Created time.Time
}

// Registry tracks live connections and the inline documents they own.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	docs    map[string]InlineDoc
	owned   map[string]map[string]struct{}
	newID   func() string
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		docs:    make(map[string]InlineDoc),
		owned:   make(map[string]map[string]struct{}),
		newID:   uuid.NewString,
	}
}

// Add registers c and returns its connection id.
func (r *Registry) Add(c Client) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.newID()
	for _, taken := r.clients[id]; taken; _, taken = r.clients[id] {
		id = r.newID()
	}
	r.clients[id] = c
	return id
}

// Remove drops the connection and every handle it registered. Unknown ids
// are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	for h := range r.owned[id] {
		delete(r.docs, h)
	}
	delete(r.owned, id)
}

func (r *Registry) Lookup(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RegisterHandle stores html under a fresh "render-<uuid>" handle owned by
// connID.
func (r *Registry) RegisterHandle(connID, html string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := HandlePrefix + r.newID()
	for _, taken := r.docs[h]; taken; _, taken = r.docs[h] {
		h = HandlePrefix + r.newID()
	}
	r.docs[h] = InlineDoc{ConnID: connID, HTML: html, Created: time.Now()}
	set := r.owned[connID]
	if set == nil {
		set = make(map[string]struct{})
		r.owned[connID] = set
	}
	set[h] = struct{}{}
	return h
}

func (r *Registry) Handle(h string) (InlineDoc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[h]
	return d, ok
}

func (r *Registry) DropHandle(h string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[h]
	if !ok {
		return
	}
	delete(r.docs, h)
	if set := r.owned[d.ConnID]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(r.owned, d.ConnID)
		}
	}
}

// Resolve maps an identity token to its live connection. The token is a
// connection id or an inline-document handle.
func (r *Registry) Resolve(token string) (Client, string, bool) {
	if token == "" {
		return nil, "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[token]; ok {
		return c, token, true
	}
	if !strings.HasPrefix(token, HandlePrefix) {
		return nil, "", false
	}
	d, ok := r.docs[token]
	if !ok {
		return nil, "", false
	}
	c, ok := r.clients[d.ConnID]
	return c, d.ConnID, ok
}
