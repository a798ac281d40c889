package drivers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/runner"
	"github.com/clustervirt/storage/internal/volumeid"
)

func newDirDriver(t *testing.T, path string) (*dir, *runner.Recording) {
	t.Helper()

	rec := &runner.Recording{}
	d := &dir{common: newCommon(Config{StoreID: "mydir", Props: map[string]string{"path": path}}, logger.New(), rec)}
	return d, rec
}

func TestDirActivateStorageCreatesSubdirs(t *testing.T) {
	path := t.TempDir()
	d, _ := newDirDriver(t, path)
	d.cfg.Props["content"] = "images,iso"

	require.NoError(t, d.ActivateStorage(context.Background()))

	assert.DirExists(t, filepath.Join(path, "images"))
	assert.DirExists(t, filepath.Join(path, "template", "iso"))
	assert.NoDirExists(t, filepath.Join(path, "private"))
}

func TestDirAllocImageNaming(t *testing.T) {
	path := t.TempDir()
	d, rec := newDirDriver(t, path)

	volname, err := d.AllocImage(context.Background(), "100", volumeid.FormatQcow2, "", 1048576)
	require.NoError(t, err)
	assert.Equal(t, "100/vm-100-disk-1.qcow2", volname)

	require.Len(t, rec.Calls, 1)
	assert.Equal(t, []string{"qemu-img", "create", "-o", "preallocation=metadata", "-f", "qcow2", filepath.Join(path, "images", "100", "vm-100-disk-1.qcow2"), "1048576K"}, rec.Calls[0].Argv)
}

func TestDirAllocImageSkipsUsedDiskIndexes(t *testing.T) {
	path := t.TempDir()
	d, _ := newDirDriver(t, path)

	imgdir := filepath.Join(path, "images", "100")
	require.NoError(t, os.MkdirAll(imgdir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(imgdir, "vm-100-disk-1.qcow2"), nil, 0644))

	volname, err := d.AllocImage(context.Background(), "100", volumeid.FormatQcow2, "", 1024)
	require.NoError(t, err)
	assert.Equal(t, "100/vm-100-disk-2.qcow2", volname)
}

func TestDirCreateBaseAndClone(t *testing.T) {
	path := t.TempDir()
	d, rec := newDirDriver(t, path)

	imgdir := filepath.Join(path, "images", "100")
	require.NoError(t, os.MkdirAll(imgdir, 0755))
	srcPath := filepath.Join(imgdir, "vm-100-disk-1.qcow2")
	require.NoError(t, os.WriteFile(srcPath, []byte("fake qcow2"), 0644))

	baseVolname, err := d.CreateBase(context.Background(), "100/vm-100-disk-1.qcow2")
	require.NoError(t, err)
	assert.Equal(t, "100/base-100-disk-1.qcow2", baseVolname)

	basePath := filepath.Join(imgdir, "base-100-disk-1.qcow2")
	info, err := os.Stat(basePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	// chattr call was attempted (and recorded, even though it's a fake).
	foundChattr := false
	for _, c := range rec.Calls {
		if c.Argv[0] == "chattr" {
			foundChattr = true
		}
	}
	assert.True(t, foundChattr)

	newVol, err := d.CloneImage(context.Background(), baseVolname, "200", "")
	require.NoError(t, err)
	assert.Equal(t, "100/base-100-disk-1.qcow2/200/vm-200-disk-1.qcow2", newVol)

	last := rec.Calls[len(rec.Calls)-1]
	assert.Equal(t, filepath.Join(path, "images", "200"), last.Opts.Dir)
	assert.Contains(t, last.Argv, filepath.Join("..", "100", "base-100-disk-1.qcow2"))
}

func TestDirCreateBaseLinkedCloneKeepsLineage(t *testing.T) {
	path := t.TempDir()
	d, rec := newDirDriver(t, path)

	imgdir := filepath.Join(path, "images", "100", "base-100-disk-1.qcow2", "200")
	require.NoError(t, os.MkdirAll(imgdir, 0755))
	srcPath := filepath.Join(imgdir, "vm-200-disk-1.qcow2")
	require.NoError(t, os.WriteFile(srcPath, []byte("fake qcow2"), 0644))

	rec.Replies = append(rec.Replies, runner.Reply{
		Result: runner.Result{Stdout: `{"backing-filename":"../100/base-100-disk-1.qcow2","virtual-size":1073741824}`},
	})

	newVol, err := d.CreateBase(context.Background(), "100/base-100-disk-1.qcow2/200/vm-200-disk-1.qcow2")
	require.NoError(t, err)
	assert.Equal(t, "100/base-100-disk-1.qcow2/200/base-200-disk-1.qcow2", newVol)

	assert.FileExists(t, filepath.Join(imgdir, "base-200-disk-1.qcow2"))
}

func TestDirCreateBaseRejectsParentReferenceMismatch(t *testing.T) {
	path := t.TempDir()
	d, rec := newDirDriver(t, path)

	imgdir := filepath.Join(path, "images", "100", "base-100-disk-1.qcow2", "200")
	require.NoError(t, os.MkdirAll(imgdir, 0755))
	srcPath := filepath.Join(imgdir, "vm-200-disk-1.qcow2")
	require.NoError(t, os.WriteFile(srcPath, []byte("fake qcow2"), 0644))

	rec.Replies = append(rec.Replies, runner.Reply{
		Result: runner.Result{Stdout: `{"backing-filename":"../999/base-999-disk-1.qcow2","virtual-size":1073741824}`},
	})

	_, err := d.CreateBase(context.Background(), "100/base-100-disk-1.qcow2/200/vm-200-disk-1.qcow2")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(imgdir, "base-200-disk-1.qcow2"))
}

func TestDirVolumeResizeRejectsShrink(t *testing.T) {
	path := t.TempDir()
	d, rec := newDirDriver(t, path)

	imgdir := filepath.Join(path, "images", "100")
	require.NoError(t, os.MkdirAll(imgdir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(imgdir, "vm-100-disk-1.qcow2"), nil, 0644))

	rec.Replies = append(rec.Replies, runner.Reply{
		Result: runner.Result{Stdout: `{"virtual-size":2147483648}`},
	})

	_, err := d.VolumeResize(context.Background(), "100/vm-100-disk-1.qcow2", 1<<30)
	assert.ErrorIs(t, err, ErrCannotBeShrunk)
}

func TestDirCloneImageRejectsNonBase(t *testing.T) {
	path := t.TempDir()
	d, _ := newDirDriver(t, path)

	_, err := d.CloneImage(context.Background(), "100/vm-100-disk-1.qcow2", "200", "")
	assert.ErrorIs(t, err, ErrNotBaseImage)
}

func TestDirVolumeResizeRejectsVMDK(t *testing.T) {
	path := t.TempDir()
	d, _ := newDirDriver(t, path)

	_, err := d.VolumeResize(context.Background(), "100/vm-100-disk-1.vmdk", 2<<30)
	assert.Error(t, err)
}

func TestDirVolumeHasFeatureMonotone(t *testing.T) {
	path := t.TempDir()
	d, _ := newDirDriver(t, path)

	baseOK, err := d.VolumeHasFeature(context.Background(), FeatureClone, "100/base-100-disk-1.qcow2", "")
	require.NoError(t, err)
	assert.True(t, baseOK)

	currentOK, err := d.VolumeHasFeature(context.Background(), FeatureClone, "100/vm-100-disk-1.qcow2", "")
	require.NoError(t, err)
	assert.False(t, currentOK) // clone feature is only declared for base state
}
