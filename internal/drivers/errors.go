package drivers

import "fmt"

// ErrUnknownDriver is returned by Load for an unregistered driver type,
// mirroring the teacher's drivers.ErrUnknownDriver.
var ErrUnknownDriver = fmt.Errorf("unknown storage driver")

// ErrNotSupported is the stable "operation not supported by this backend"
// error every capability-gated method returns instead of silently doing
// nothing (spec §4.E).
var ErrNotSupported = fmt.Errorf("not supported by this storage backend")

// ErrInUse indicates a volume operation cannot proceed because the volume
// is in active use. The ZFS backend's FreeImage returns it when the dataset
// is still busy after every destroy retry.
var ErrInUse = fmt.Errorf("volume is in use")

// ErrCannotBeShrunk is returned by volume_resize when size_bytes is
// smaller than the volume's current size.
var ErrCannotBeShrunk = fmt.Errorf("volume cannot be shrunk")

// ErrNewerSnapshotsExist is returned by volume_snapshot_rollback when a
// snapshot more recent than the rollback target exists (spec §4.E/§8
// scenario 4).
type ErrNewerSnapshotsExist struct {
	Snapshots []string
}

func (e ErrNewerSnapshotsExist) Error() string {
	return fmt.Sprintf("can't rollback, more recent snapshots exist: %v", e.Snapshots)
}

// ErrNotBaseImage is returned by clone_image when the source volume is
// not a write-protected base image (spec §4.E: "only on base images").
var ErrNotBaseImage = fmt.Errorf("clone_image: source volume is not a base image")
