// Package drivers implements the storage backend contract (spec §4.E)
// and the two representative backends this core ships: dir/file (§4.F)
// and ZFS pool (§4.G). Every backend implements Driver; the façade
// (internal/storage) dispatches to it without knowing which backend it's
// talking to.
package drivers

import (
	"context"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/volumeid"
)

// Driver is the capability set every storage backend implements (spec
// §4.E). Any method a backend doesn't meaningfully support returns
// ErrNotSupported rather than silently succeeding.
type Driver interface {
	// Name returns the driver's registered type name (e.g. "dir", "zfspool").
	Name() string

	ParseVolname(volname string) (volumeid.Volname, error)

	// Path returns the backing path or URL for a volume, its owning vmid
	// (if any), and its volume type.
	Path(ctx context.Context, volname string, snap string) (path string, vmid string, vtype volumeid.VType, err error)

	AllocImage(ctx context.Context, vmid string, format volumeid.Format, name string, sizeKB int64) (volname string, err error)
	FreeImage(ctx context.Context, volname string, isBase bool) error
	ListImages(ctx context.Context, vmid string, volFilter []string) ([]ImageInfo, error)

	Status(ctx context.Context) StatusInfo

	ActivateStorage(ctx context.Context) error
	DeactivateStorage(ctx context.Context) error
	ActivateVolume(ctx context.Context, volname string) error
	DeactivateVolume(ctx context.Context, volname string) error

	CloneImage(ctx context.Context, volname string, vmid string, snap string) (newVolname string, err error)
	CreateBase(ctx context.Context, volname string) (newVolname string, err error)

	VolumeResize(ctx context.Context, volname string, sizeBytes int64) (int64, error)
	VolumeSnapshot(ctx context.Context, volname string, snap string) error
	VolumeSnapshotDelete(ctx context.Context, volname string, snap string) error
	VolumeSnapshotRollback(ctx context.Context, volname string, snap string) error
	VolumeRollbackIsPossible(ctx context.Context, volname string, snap string) (bool, error)

	VolumeHasFeature(ctx context.Context, feature Feature, volname string, snap string) (bool, error)
}

// Config is the minimal per-storage configuration every backend needs:
// its own type-specific properties (already decoded to plain strings by
// the plugin registry) plus the storage id for logging/naming.
type Config struct {
	StoreID string
	Props   map[string]string
}

// newFunc constructs a fresh, uninitialized driver instance.
type newFunc func(cfg Config, log logger.Logger, run runner.Runner) Driver

var registry = map[string]newFunc{}

// register adds a driver constructor to the package registry; called
// from each backend file's init(), mirroring the teacher's
// load.go `var drivers = map[string]func() driver{...}` pattern.
func register(name string, fn newFunc) {
	if _, exists := registry[name]; exists {
		panic("storage driver " + name + " already registered")
	}

	registry[name] = fn
}

// Load returns a Driver instance for an existing storage's configuration.
func Load(driverName string, cfg Config, log logger.Logger, run runner.Runner) (Driver, error) {
	fn, ok := registry[driverName]
	if !ok {
		return nil, ErrUnknownDriver
	}

	return fn(cfg, log, run), nil
}

// DriverNames returns every registered driver name.
func DriverNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}

	return names
}
