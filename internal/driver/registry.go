package driver

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/johndauphine/shard-migrate/internal/config"
)

// registry holds all registered drivers.
var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register adds a driver to the global registry.
// This is typically called from a driver package's init() function.
//
// Example:
//
//	func init() {
//	    driver.Register(&Driver{})
//	}
//
// Panics if a driver with the same name or alias is already registered.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := d.Name()
	if _, exists := drivers[name]; exists {
		panic(fmt.Sprintf("driver %q already registered", name))
	}
	drivers[name] = d

	for _, alias := range d.Aliases() {
		if _, exists := drivers[alias]; exists {
			panic(fmt.Sprintf("driver alias %q already registered", alias))
		}
		drivers[alias] = d
	}
}

// Get retrieves a driver by name or alias (case-insensitive).
func Get(nameOrAlias string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, exists := drivers[strings.ToLower(nameOrAlias)]
	if !exists {
		return nil, fmt.Errorf("unknown database driver: %q (available: %v)", nameOrAlias, available())
	}
	return d, nil
}

// Canonicalize returns the primary driver name for a name or alias, or the
// input unchanged when nothing matches.
func Canonicalize(nameOrAlias string) string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, exists := drivers[strings.ToLower(nameOrAlias)]
	if !exists {
		return nameOrAlias
	}
	return d.Name()
}

// Available returns a sorted list of registered primary driver names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return available()
}

func available() []string {
	seen := make(map[string]bool)
	for _, d := range drivers {
		seen[d.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered returns true if a driver with the given name or alias exists (case-insensitive).
func IsRegistered(nameOrAlias string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := drivers[strings.ToLower(nameOrAlias)]
	return exists
}

// Open looks up the driver for cfg.Type and opens a pool with it. The pool
// size falls back to the driver default when the config leaves it at zero.
func Open(cfg config.DatabaseConfig, opts OpenOptions) (*sql.DB, Driver, error) {
	d, err := Get(cfg.Type)
	if err != nil {
		return nil, nil, err
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = cfg.MaxConnections
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = d.Defaults().MaxConns
	}
	db, err := d.Open(cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s connection: %w", d.Name(), err)
	}
	return db, d, nil
}
