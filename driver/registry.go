package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a Driver.
type Factory func() (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics if the name is
// already taken or the factory is nil; registration happens from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("driver: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("driver: Register called twice for driver " + name)
	}
	factories[name] = f
}

// Open constructs the backend registered under name.
func Open(name string) (Driver, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, name, Drivers())
	}
	return f()
}

// Drivers returns the sorted names of the registered backends.
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
