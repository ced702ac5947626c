package diag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Empty is stored in place of any absent, null or blank value.
const Empty = "-"

// Store holds the loggable fields of one logical request.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Set normalizes and escapes value before storing it under key.
func (s *Store) Set(key string, value any) {
	if s == nil || key == "" {
		return
	}
	escaped := Escape(Normalize(value))
	s.mu.Lock()
	s.values[key] = escaped
	s.mu.Unlock()
}

func (s *Store) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Value returns the stored value or Empty when the key was never set.
func (s *Store) Value(key string) string {
	if value, ok := s.Get(key); ok {
		return value
	}
	return Empty
}

func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	clear(s.values)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Keys returns the stored field names in lexical order.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *Store) Snapshot() map[string]string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for key, value := range s.values {
		out[key] = value
	}
	return out
}

// Normalize renders value as a string, mapping nil, "null" in any case and
// blank strings to Empty.
func Normalize(value any) string {
	var text string
	switch v := value.(type) {
	case nil:
		return Empty
	case string:
		text = v
	case *string:
		if v == nil {
			return Empty
		}
		text = *v
	case []byte:
		text = string(v)
	case fmt.Stringer:
		text = v.String()
	case error:
		text = v.Error()
	default:
		text = fmt.Sprint(v)
	}
	if strings.EqualFold(text, "null") || strings.TrimSpace(text) == "" {
		return Empty
	}
	return text
}

type storeKey struct{}

func WithStore(ctx context.Context, store *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, store)
}

func FromContext(ctx context.Context) (*Store, bool) {
	if ctx == nil {
		return nil, false
	}
	store, ok := ctx.Value(storeKey{}).(*Store)
	return store, ok && store != nil
}
