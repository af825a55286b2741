package state

import "sync"

// Private holds server-only values. It never serializes: MarshalJSON always
// yields an empty object.
type Private struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewPrivate creates an empty private store.
func NewPrivate() *Private {
	return &Private{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (p *Private) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set stores value under key.
func (p *Private) Set(key string, value any) {
	p.mu.Lock()
	p.values[key] = value
	p.mu.Unlock()
}

// Delete removes key.
func (p *Private) Delete(key string) {
	p.mu.Lock()
	delete(p.values, key)
	p.mu.Unlock()
}

// Len returns the number of keys.
func (p *Private) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}

// Clear releases every value.
func (p *Private) Clear() {
	p.mu.Lock()
	p.values = make(map[string]any)
	p.mu.Unlock()
}

// MarshalJSON implements json.Marshaler.
func (p *Private) MarshalJSON() ([]byte, error) {
	return []byte("{}"), nil
}
