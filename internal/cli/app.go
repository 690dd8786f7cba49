package cli

import (
	"fmt"

	"github.com/roach88/cairn/internal/config"
	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/registry"
	"github.com/roach88/cairn/internal/store"
)

// openStore opens the event store at override, or at the configured path.
func openStore(cfg *config.Config, override string) (*store.Store, error) {
	path := cfg.Store.Path
	if override != "" {
		path = override
	}
	st, err := store.Open(path, store.WithPageSize(cfg.Store.PageSize))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// loadRegistry returns the builtin event types plus those in files.
func loadRegistry(files ...string) (*registry.Registry, error) {
	reg, err := registry.NewWithBuiltins()
	if err != nil {
		return nil, fmt.Errorf("load builtin event types: %w", err)
	}
	for _, f := range files {
		if err := reg.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return reg, nil
}

// openEngine opens the store and builds an engine over it. The caller
// closes both.
func openEngine(cfg *config.Config, db string, opts ...engine.Option) (*engine.Engine, *store.Store, error) {
	st, err := openStore(cfg, db)
	if err != nil {
		return nil, nil, err
	}
	reg, err := loadRegistry(cfg.Registry.Files...)
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to load registry", err)
	}
	opts = append([]engine.Option{engine.WithMaxBreakGlass(cfg.Policy.MaxBreakGlass)}, opts...)
	return engine.New(st, reg, opts...), st, nil
}
