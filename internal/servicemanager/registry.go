package servicemanager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/edgebinder/internal/binder"
	"github.com/danmuck/edgebinder/internal/status"
)

// MaxNameLen bounds service names.
const MaxNameLen = 127

var (
	ErrServiceExists = fmt.Errorf("servicemanager: service already registered: %w", status.ErrPermissionDenied)
	ErrServiceNil    = fmt.Errorf("servicemanager: service is nil: %w", status.ErrBadValue)
	ErrInvalidName   = fmt.Errorf("servicemanager: invalid service name: %w", status.ErrBadValue)
	ErrNotFound      = errors.New("servicemanager: service not found")
)

type entry struct {
	b   binder.Binder
	key uint32
}

// Registry maps service names to the strong references it holds.
type Registry struct {
	mu    sync.Mutex
	items map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]entry)}
}

// ValidateName checks the service name format: lowercase letters, digits
// and single '.', '-' or '_' separators, not at either end.
func ValidateName(name string) error {
	if strings.TrimSpace(name) != name || name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLen)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Register takes ownership of one strong reference on b under name. key
// tags the registration so a stale death notice cannot remove a newer one.
func (r *Registry) Register(name string, b binder.Binder, key uint32) error {
	if b == nil {
		return ErrServiceNil
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[name]; ok && cur.b.IsAlive() {
		return ErrServiceExists
	}
	if cur, ok := r.items[name]; ok {
		binder.Release(cur.b)
	}
	r.items[name] = entry{b: b, key: key}
	return nil
}

// Visit runs fn on the live service registered under name, with the
// registry locked so the reference cannot be dropped meanwhile.
func (r *Registry) Visit(name string, fn func(binder.Binder) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[name]
	if !ok || !e.b.IsAlive() {
		return false, nil
	}
	return true, fn(e.b)
}

// Remove drops name if it is still the registration tagged key. Key 0
// matches any registration.
func (r *Registry) Remove(name string, key uint32) bool {
	r.mu.Lock()
	e, ok := r.items[name]
	if !ok || (key != 0 && e.key != key) {
		r.mu.Unlock()
		return false
	}
	delete(r.items, name)
	r.mu.Unlock()
	binder.Release(e.b)
	return true
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]string, 0, len(r.items))
	for name := range r.items {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// remotes returns an extra strong reference on every remote service. The
// caller releases them.
func (r *Registry) remotes() map[string]*binder.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*binder.Proxy)
	for name, e := range r.items {
		px := e.b.RemoteProxy()
		if px == nil || !px.IsAlive() {
			continue
		}
		if err := px.Acquire(); err == nil {
			out[name] = px
		}
	}
	return out
}

// Clear releases every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]entry)
	r.mu.Unlock()
	for _, e := range items {
		binder.Release(e.b)
	}
}

func isValidName(name string) bool {
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
