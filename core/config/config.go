package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	mu    sync.Mutex
	cache = make(map[reflect.Type]any)

	loadDotEnv = sync.OnceFunc(func() {
		// Missing .env files are fine; real environments set variables directly.
		_ = godotenv.Load()
	})
)

// Load parses environment variables into cfg, which must be a non-nil
// pointer to a struct. Each configuration type is loaded once per process;
// subsequent calls for the same type return the cached value.
func Load(cfg any) error {
	loadDotEnv()

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: Load expects a non-nil struct pointer, got %T", cfg)
	}

	typ := v.Elem().Type()

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[typ]; ok {
		v.Elem().Set(reflect.ValueOf(cached))
		return nil
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", typ, err)
	}

	cache[typ] = v.Elem().Interface()
	return nil
}

// MustLoad is like Load but panics on failure. Intended for application
// startup where a missing required variable should abort immediately.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}
