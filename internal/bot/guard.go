package bot

import "sync"

// Guard is a set of in-flight keys. A key can be held by one holder at a
// time.
type Guard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{keys: make(map[string]struct{})}
}

// TryAcquire takes key and reports whether it was free.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.keys[key]; held {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *Guard) Release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}
