package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/volumeid"
)

func (d *zfsDriver) ParseVolname(volname string) (volumeid.Volname, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return volumeid.Volname{}, err
	}

	return volumeid.ToVolname(zv), nil
}

// Path returns the zvol device node or dataset mountpoint for volname,
// optionally within a snapshot (spec §4.G).
func (d *zfsDriver) Path(ctx context.Context, volname string, snap string) (string, string, volumeid.VType, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return "", "", "", err
	}

	v := volumeid.ToVolname(zv)

	if zv.ZType == volumeid.ZVTypeSubvol {
		path := fmt.Sprintf("/%s/%s", d.pool(), volname)
		if snap != "" {
			path = fmt.Sprintf("%s/.zfs/snapshot/%s", path, snap)
		}

		return path, zv.VMID, v.VType, nil
	}

	path := fmt.Sprintf("/dev/zvol/%s/%s", d.pool(), volname)
	if snap != "" {
		path = fmt.Sprintf("%s@%s", path, snap)
	}

	return path, zv.VMID, v.VType, nil
}

func (d *zfsDriver) existingSuffixes(ctx context.Context, vmid string, zType volumeid.ZVType) (map[int]bool, error) {
	res, err := d.zfsList(ctx, "list", "-o", "name", "-Hr", d.pool())
	if err != nil {
		return nil, fmt.Errorf("scanning existing volumes: %w", err)
	}

	used := map[int]bool{}
	prefix := fmt.Sprintf("%s/%s-%s-", d.pool(), zType, vmid)

	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}

		if n, ok := volumeid.ParseDiskIndex(line); ok {
			used[n] = true
		}
	}

	return used, nil
}

// AllocImage creates a raw zvol or a subvol filesystem dataset, per spec
// §4.G. The "dataset" pseudo-format creates a quota-bound filesystem
// dataset; every other format, "raw" included, creates a zvol sized in KB.
func (d *zfsDriver) AllocImage(ctx context.Context, vmid string, format volumeid.Format, name string, sizeKB int64) (string, error) {
	isSubvol := format != volumeid.FormatRaw && string(format) == "dataset"

	zKind := "vm"
	if isSubvol {
		zKind = "subvol"
	}

	if name == "" {
		used, err := d.existingSuffixes(ctx, vmid, volumeid.ZVType(zKind))
		if err != nil {
			return "", err
		}

		n, err := volumeid.NextFreeSuffix(used)
		if err != nil {
			return "", fmt.Errorf("vmid %s: %w", vmid, err)
		}

		name = fmt.Sprintf("%s-%s-disk-%d", zKind, vmid, n)
	}

	full := d.pool() + "/" + name

	if isSubvol {
		args := []string{"create", "-o", "acltype=posixacl", "-o", "xattr=sa", "-o", fmt.Sprintf("refquota=%dk", sizeKB), full}
		if _, err := d.zfs(ctx, args...); err != nil {
			return "", fmt.Errorf("alloc_image: zfs create (subvol): %w", err)
		}

		return name, nil
	}

	args := []string{"create"}
	if d.cfg.Props["sparse"] == "1" {
		args = append(args, "-s")
	}

	if bs := d.cfg.Props["blocksize"]; bs != "" {
		args = append(args, "-b", bs)
	}

	args = append(args, "-V", fmt.Sprintf("%dk", sizeKB), full)

	if _, err := d.zfs(ctx, args...); err != nil {
		return "", fmt.Errorf("alloc_image: zfs create (zvol): %w", err)
	}

	if _, err := d.run.Run(ctx, []string{"udevadm", "trigger", "--subsystem-match", "block"}, runner.Opts{}); err != nil {
		d.log.Warn("udevadm trigger failed", logger.Ctx{"error": err.Error()})
	}

	devPath := fmt.Sprintf("/dev/zvol/%s/%s", d.pool(), name)
	if _, err := d.run.Run(ctx, []string{"udevadm", "settle", "--timeout", "10", "--exit-if-exists=" + devPath}, runner.Opts{Timeout: udevSettleTimeout}); err != nil {
		d.log.Warn("udevadm settle failed", logger.Ctx{"error": err.Error()})
	}

	return name, nil
}

// FreeImage destroys the dataset recursively, retrying on "dataset is
// busy" up to 6 attempts spaced >=1s apart (spec §4.G, §8 scenario 5). A
// "dataset does not exist" error is treated as success.
func (d *zfsDriver) FreeImage(ctx context.Context, volname string, isBase bool) error {
	full := d.pool() + "/" + volname

	const maxAttempts = 6

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := d.zfs(ctx, "destroy", "-r", full)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "dataset does not exist") {
			return nil
		}

		if !strings.Contains(err.Error(), "dataset is busy") {
			return fmt.Errorf("free_image: zfs destroy: %w", err)
		}

		lastErr = err

		if attempt < maxAttempts {
			d.log.Warn("dataset busy, retrying destroy", logger.Ctx{"volume": volname, "attempt": attempt})
			time.Sleep(time.Second)
		}
	}

	return fmt.Errorf("free_image: zfs destroy: dataset busy after %d attempts: %w: %v", maxAttempts, ErrInUse, lastErr)
}

// ListImages enumerates volumes and datasets matching
// "(vm|base|subvol)-<vmid>-<suffix>" under the pool (spec §4.G).
func (d *zfsDriver) ListImages(ctx context.Context, vmid string, volFilter []string) ([]ImageInfo, error) {
	res, err := d.zfsList(ctx, "list", "-o", "name,volsize,origin,type,refquota", "-t", "volume,filesystem", "-Hr", d.pool())
	if err != nil {
		return nil, fmt.Errorf("list_images: zfs list: %w", err)
	}

	allow := map[string]bool{}
	for _, f := range volFilter {
		allow[f] = true
	}

	var out []ImageInfo

	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}

		name, volsize, origin, _, refquota := fields[0], fields[1], fields[2], fields[3], fields[4]

		rel := strings.TrimPrefix(name, d.pool()+"/")
		if rel == name {
			continue // not under this pool (shouldn't happen given -r on the pool itself)
		}

		zv, perr := volumeid.ParseZFSVolname(rel)
		if perr != nil {
			continue
		}

		if vmid != "" && zv.VMID != vmid {
			continue
		}

		if len(allow) > 0 && !allow[rel] {
			continue
		}

		size := parseZFSInt(volsize)
		if size == 0 {
			size = parseZFSInt(refquota)
		}

		var parent string
		if origin != "-" && origin != "" {
			parent = strings.TrimPrefix(strings.SplitN(origin, "@", 2)[0], d.pool()+"/")
		}

		out = append(out, ImageInfo{
			VolID:  rel,
			Size:   size,
			Format: volumeid.ToVolname(zv).Format,
			VMID:   zv.VMID,
			Parent: parent,
		})
	}

	return out, nil
}

func parseZFSInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// CloneImage creates a new dataset/zvol from a base image's "__base__"
// snapshot (spec §4.G): only allowed on base volumes.
func (d *zfsDriver) CloneImage(ctx context.Context, volname string, vmid string, snap string) (string, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return "", err
	}

	if !zv.IsBase {
		return "", ErrNotBaseImage
	}

	kind := "vm"
	if zv.ZType == volumeid.ZVTypeSubvol {
		kind = "subvol"
	}

	used, err := d.existingSuffixes(ctx, vmid, volumeid.ZVType(kind))
	if err != nil {
		return "", err
	}

	n, err := volumeid.NextFreeSuffix(used)
	if err != nil {
		return "", fmt.Errorf("vmid %s: %w", vmid, err)
	}

	newName := fmt.Sprintf("%s-%s-disk-%d", kind, vmid, n)

	origin := fmt.Sprintf("%s/%s@__base__", d.pool(), volname)
	if snap != "" {
		origin = fmt.Sprintf("%s/%s@%s", d.pool(), volname, snap)
	}

	target := d.pool() + "/" + newName

	if _, err := d.zfs(ctx, "clone", origin, target); err != nil {
		return "", fmt.Errorf("clone_image: zfs clone: %w", err)
	}

	return fmt.Sprintf("%s/%s", volname, newName), nil
}

// CreateBase renames vm-<vmid>-X to base-<vmid>-X and snapshots it as
// "__base__" (spec §4.G).
func (d *zfsDriver) CreateBase(ctx context.Context, volname string) (string, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return "", err
	}

	if zv.IsBase {
		return volname, nil
	}

	newName := fmt.Sprintf("%s-%s-%s", volumeid.ZVTypeBase, zv.VMID, zv.Suffix)
	if zv.ZType == volumeid.ZVTypeSubvol {
		newName = fmt.Sprintf("base-%s-%s", zv.VMID, zv.Suffix)
	}

	if _, err := d.zfs(ctx, "rename", d.pool()+"/"+volname, d.pool()+"/"+newName); err != nil {
		return "", fmt.Errorf("create_base: zfs rename: %w", err)
	}

	if _, err := d.zfs(ctx, "snapshot", d.pool()+"/"+newName+"@__base__"); err != nil {
		return "", fmt.Errorf("create_base: zfs snapshot: %w", err)
	}

	return newName, nil
}

// VolumeResize grows a zvol's volsize or a subvol's refquota.
func (d *zfsDriver) VolumeResize(ctx context.Context, volname string, sizeBytes int64) (int64, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return 0, err
	}

	prop := "volsize"
	if zv.ZType == volumeid.ZVTypeSubvol {
		prop = "refquota"
	}

	if _, err := d.zfs(ctx, "set", fmt.Sprintf("%s=%d", prop, sizeBytes), d.pool()+"/"+volname); err != nil {
		return 0, fmt.Errorf("volume_resize: %w", err)
	}

	return sizeBytes, nil
}

func (d *zfsDriver) VolumeSnapshot(ctx context.Context, volname string, snap string) error {
	if _, err := d.zfs(ctx, "snapshot", d.pool()+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("volume_snapshot: %w", err)
	}

	return nil
}

func (d *zfsDriver) VolumeSnapshotDelete(ctx context.Context, volname string, snap string) error {
	if _, err := d.zfs(ctx, "destroy", d.pool()+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("volume_snapshot_delete: %w", err)
	}

	return nil
}

// orderedSnapshots returns volname's snapshot names ordered oldest-first,
// per "zfs list -t snapshot -s creation" (spec §4.G).
func (d *zfsDriver) orderedSnapshots(ctx context.Context, volname string) ([]string, error) {
	res, err := d.zfsList(ctx, "list", "-t", "snapshot", "-s", "creation", "-o", "name", "-Hr", d.pool()+"/"+volname)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var names []string
	prefix := d.pool() + "/" + volname + "@"

	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}

		names = append(names, strings.TrimPrefix(line, prefix))
	}

	return names, nil
}

func (d *zfsDriver) VolumeRollbackIsPossible(ctx context.Context, volname string, snap string) (bool, error) {
	names, err := d.orderedSnapshots(ctx, volname)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, n := range names {
		if n == snap {
			idx = i
		}
	}

	if idx < 0 {
		return false, fmt.Errorf("volume_rollback_is_possible: snapshot %q not found", snap)
	}

	return idx == len(names)-1, nil
}

func (d *zfsDriver) VolumeSnapshotRollback(ctx context.Context, volname string, snap string) error {
	names, err := d.orderedSnapshots(ctx, volname)
	if err != nil {
		return err
	}

	idx := -1
	for i, n := range names {
		if n == snap {
			idx = i
		}
	}

	if idx < 0 {
		return fmt.Errorf("volume_snapshot_rollback: snapshot %q not found", snap)
	}

	if idx != len(names)-1 {
		return ErrNewerSnapshotsExist{Snapshots: names[idx+1:]}
	}

	if _, err := d.zfs(ctx, "rollback", d.pool()+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("volume_snapshot_rollback: %w", err)
	}

	return nil
}

func (d *zfsDriver) VolumeHasFeature(ctx context.Context, feature Feature, volname string, snap string) (bool, error) {
	zv, err := volumeid.ParseZFSVolname(volname)
	if err != nil {
		return false, err
	}

	v := volumeid.ToVolname(zv)

	state := StateCurrent
	if snap != "" {
		state = StateSnap
	} else if v.IsBase {
		state = StateBase
	}

	return hasFeature(feature, state, string(v.Format)), nil
}
