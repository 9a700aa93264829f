package source

import (
	"fmt"
	"sort"
	"sync"
)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a session factory available under a driver name, in
// the manner of database/sql drivers. Platform adapters register
// themselves from an init function; the daemon selects one by config.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if f == nil {
		panic("source: Register with nil factory")
	}
	if _, dup := drivers[name]; dup {
		panic("source: Register called twice for driver " + name)
	}
	drivers[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("source: unknown driver %q (registered: %v)", name, driverNamesLocked())
	}
	return f, nil
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNamesLocked()
}

func driverNamesLocked() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
