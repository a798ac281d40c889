// Package configapi implements the storage.cfg CRUD surface (spec §4.D):
// list/read/create/update/delete, each run under the cluster lock with
// digest-checked optimistic concurrency, dispatching to internal/plugin
// for schema validation and internal/sectioncfg for the on-disk format.
package configapi

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/clustervirt/storage/internal/clusterlock"
	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/plugin"
	"github.com/clustervirt/storage/internal/sectioncfg"
)

// Store is the cluster filesystem collaborator (spec §6): it reads and
// writes storage.cfg's raw bytes with atomic replacement and cluster-wide
// distribution. This package owns none of that; it only calls through.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// LVMProvisioner is the stub collaborator for the LVM-over-iSCSI base
// precondition (SPEC_FULL.md SUPPLEMENTAL FEATURES): the LVM driver's own
// internals are out of this core's scope, but create() still must resolve
// the referenced iSCSI base storage and invoke VG creation on it.
type LVMProvisioner interface {
	CreateVG(ctx context.Context, iscsiStoreID string, vgName string) error
}

// Entry is a decoded, caller-visible storage entry (spec §4.D list/read).
type Entry struct {
	StoreID string
	Type    string
	Digest  sectioncfg.Digest
	Props   map[string]string
}

// API is the configuration CRUD surface. All mutating methods acquire the
// cluster lock for the duration of their read-modify-write cycle.
type API struct {
	Store   Store
	Locker  *clusterlock.Locker
	LVM     LVMProvisioner
	Plugins *plugin.Registry

	// LockTimeout bounds how long a mutating call waits to acquire the
	// cluster lock before failing with clusterlock.ErrTimeout.
	LockTimeout time.Duration

	log logger.Logger
}

// New returns an API. plugins defaults to plugin.Default if nil.
func New(store Store, locker *clusterlock.Locker, plugins *plugin.Registry) *API {
	if plugins == nil {
		plugins = plugin.Default
	}

	return &API{Store: store, Locker: locker, Plugins: plugins, LockTimeout: 10 * time.Second, log: logger.New()}
}

func (a *API) load(ctx context.Context) (*sectioncfg.Config, error) {
	raw, err := a.Store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading storage config: %w", err)
	}

	cfg, err := sectioncfg.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing storage config: %w", err)
	}

	return cfg, nil
}

func (a *API) persist(ctx context.Context, cfg *sectioncfg.Config) error {
	raw, err := sectioncfg.Serialize(cfg)
	if err != nil {
		return fmt.Errorf("serializing storage config: %w", err)
	}

	if err := a.Store.Write(ctx, raw); err != nil {
		return fmt.Errorf("writing storage config: %w", err)
	}

	return nil
}

func toEntry(s *sectioncfg.Section, digest sectioncfg.Digest) Entry {
	props := map[string]string{}
	for _, k := range s.Keys() {
		v, _ := s.Get(k)
		props[k] = v
	}

	return Entry{StoreID: s.ID, Type: s.Type, Digest: digest, Props: props}
}

// List returns every entry, optionally filtered to a single type. Per
// §4.D, visibility beyond "surface everything asked about" is delegated
// to an external permissions collaborator this core does not implement.
func (a *API) List(ctx context.Context, typeFilter string) ([]Entry, error) {
	cfg, err := a.load(ctx)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, s := range cfg.All() {
		if typeFilter != "" && s.Type != typeFilter {
			continue
		}

		out = append(out, toEntry(s, cfg.Digest))
	}

	return out, nil
}

// Read returns a single entry plus the config's digest.
func (a *API) Read(ctx context.Context, storeID string) (Entry, error) {
	cfg, err := a.load(ctx)
	if err != nil {
		return Entry{}, err
	}

	s, ok := cfg.Get(storeID)
	if !ok {
		return Entry{}, fmt.Errorf("storage ID %q does not exist", storeID)
	}

	return toEntry(s, cfg.Digest), nil
}
