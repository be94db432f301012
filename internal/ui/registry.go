// Package ui is the name-addressed element registry UI commands are offered
// to before they fall through to the generic command handler.
package ui

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/simlink/internal/protocol"
)

var (
	ErrEmptyName  = errors.New("ui: element name cannot be empty")
	ErrPaddedName = errors.New("ui: element name has surrounding space")
	ErrDuplicate  = errors.New("ui: element already registered")
)

type Registry struct {
	mu       sync.RWMutex
	elements map[string]Element
}

func NewRegistry() *Registry {
	return &Registry{elements: make(map[string]Element)}
}

// Register adds e under its exact name. Claim looks names up verbatim, so
// a name with leading or trailing space is refused.
func (r *Registry) Register(e Element) error {
	name := e.Name()
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrPaddedName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.elements[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.elements[name] = e
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.elements, name)
}

func (r *Registry) Get(name string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[name]
	return e, ok
}

// Names lists registered elements in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.elements))
	for name := range r.elements {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Claim offers cmd to the element it names. A nil registry claims nothing.
func (r *Registry) Claim(cmd protocol.UICommand) bool {
	if r == nil {
		return false
	}
	e, ok := r.Get(cmd.Element)
	if !ok {
		return false
	}
	return e.Handle(cmd.Signal, cmd.Value)
}
