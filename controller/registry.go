package controller

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a controller instance from its configured name and
// free-form params.
type Constructor func(name string, params map[string]any) (Controller, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a controller class available to New under the given class
// name. It panics on duplicate registration; classes are registered from
// init functions, so a duplicate is a programming error.
func Register(class string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[class]; dup {
		panic(fmt.Sprintf("controller: class %q registered twice", class))
	}
	registry[class] = ctor
}

// New builds a controller of the given class.
func New(class, name string, params map[string]any) (Controller, error) {
	registryMu.RLock()
	ctor, ok := registry[class]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("controller: unknown class %q (known: %v)", class, Classes())
	}
	return ctor(name, params)
}

// Classes returns the registered class names, sorted.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	classes := make([]string, 0, len(registry))
	for class := range registry {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// stringParam reads an optional string param with a default.
func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

// intParam reads an optional integer param with a default. JSON numbers
// arrive as float64.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
