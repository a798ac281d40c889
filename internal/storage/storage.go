// Package storage is the storage-level façade (spec §4.I): it resolves a
// storage id against a parsed config, enforces the disable/node-
// restriction rules, and dispatches to the matching backend driver under
// an idempotent activate_storage.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/clustervirt/storage/internal/drivers"
	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/plugin"
	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/sectioncfg"
)

// ErrDisabled is returned by Resolve when the entry is administratively
// disabled, or node-restricted away from the local node, and the caller
// did not pass ResolveOpts.NoErr.
var ErrDisabled = fmt.Errorf("storage is disabled")

// ResolveOpts configures Resolve's disable/node-restriction handling.
type ResolveOpts struct {
	// LocalNode, if set, is checked against the entry's "nodes" list
	// (spec §4.I). Empty means no node-restriction check is performed.
	LocalNode string

	// NoErr, when true, suppresses ErrDisabled: Resolve still returns the
	// section, but skips driver activation (a disabled storage is
	// resolvable for inspection, e.g. by `list`, without being brought
	// online).
	NoErr bool
}

// Facade dispatches operations to backend drivers, tracking which
// storages this process has already activated so repeated Resolve calls
// are idempotent (SPEC_FULL.md SUPPLEMENTAL FEATURES: "idempotent
// activate/deactivate accounting", adapted from the teacher's Mount/
// Unmount caused-the-mount bookkeeping).
type Facade struct {
	Plugins *plugin.Registry
	Runner  runner.Runner
	log     logger.Logger

	mu        sync.Mutex
	activated map[string]bool
}

// New returns a Facade. plugins defaults to plugin.Default if nil.
func New(plugins *plugin.Registry) *Facade {
	if plugins == nil {
		plugins = plugin.Default
	}

	return &Facade{
		Plugins:   plugins,
		Runner:    runner.Exec{},
		log:       logger.New(),
		activated: map[string]bool{},
	}
}

// Resolve looks up storeID in cfg, enforces disable/node-restriction,
// and returns the section plus a ready (activated) driver instance.
// Resolve is safe to call repeatedly for the same storeID: activation
// only actually runs once per process per storage.
func (f *Facade) Resolve(ctx context.Context, cfg *sectioncfg.Config, storeID string, opts ResolveOpts) (*sectioncfg.Section, drivers.Driver, error) {
	section, ok := cfg.Get(storeID)
	if !ok {
		return nil, nil, fmt.Errorf("storage ID %q does not exist", storeID)
	}

	disabled := isDisabled(section, opts.LocalNode)
	if disabled && !opts.NoErr {
		return nil, nil, fmt.Errorf("%w: storage %q", ErrDisabled, storeID)
	}

	props := map[string]string{}
	for _, k := range section.Keys() {
		v, _ := section.Get(k)
		props[k] = v
	}

	driver, err := drivers.Load(section.Type, drivers.Config{StoreID: storeID, Props: props}, f.log, f.Runner)
	if err != nil {
		return section, nil, fmt.Errorf("loading driver for storage %q: %w", storeID, err)
	}

	if disabled {
		// NoErr was set: hand back a driver for inspection without
		// bringing a disabled storage online.
		return section, driver, nil
	}

	if err := f.ensureActivated(ctx, storeID, driver); err != nil {
		return section, driver, fmt.Errorf("activating storage %q: %w", storeID, err)
	}

	return section, driver, nil
}

func (f *Facade) ensureActivated(ctx context.Context, storeID string, driver drivers.Driver) error {
	f.mu.Lock()
	if f.activated[storeID] {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if err := driver.ActivateStorage(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	f.activated[storeID] = true
	f.mu.Unlock()

	return nil
}

// Release deactivates storeID if this process previously activated it,
// and forgets it so a subsequent Resolve reactivates from scratch.
func (f *Facade) Release(ctx context.Context, storeID string, driver drivers.Driver) error {
	f.mu.Lock()
	wasActivated := f.activated[storeID]
	delete(f.activated, storeID)
	f.mu.Unlock()

	if !wasActivated {
		return nil
	}

	return driver.DeactivateStorage(ctx)
}

func isDisabled(section *sectioncfg.Section, localNode string) bool {
	if v, ok := section.Get("disable"); ok && v == "1" {
		return true
	}

	if localNode == "" {
		return false
	}

	nodes, ok := section.Get("nodes")
	if !ok || strings.TrimSpace(nodes) == "" {
		return false
	}

	for _, n := range strings.Split(nodes, ",") {
		if strings.TrimSpace(n) == localNode {
			return false
		}
	}

	return true
}
