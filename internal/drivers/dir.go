package drivers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/plugin"
	"github.com/clustervirt/storage/internal/runner"
)

func init() {
	register("dir", func(cfg Config, log logger.Logger, run runner.Runner) Driver {
		return &dir{common: newCommon(cfg, log, run)}
	})

	dirPlugin := &plugin.Plugin{
		TypeName: "dir",
		ContentAllowed: map[plugin.ContentType]bool{
			plugin.ContentImages: true, plugin.ContentRootdir: true, plugin.ContentISO: true,
			plugin.ContentVZTmpl: true, plugin.ContentBackup: true,
		},
		ContentDefault: map[plugin.ContentType]bool{plugin.ContentImages: true, plugin.ContentISO: true},
		FormatAllowed:  map[plugin.ImageFormat]bool{plugin.FormatRaw: true, plugin.FormatQcow2: true, plugin.FormatVMDK: true},
		FormatDefault:  plugin.FormatRaw,
		Options: map[string]plugin.OptionDescriptor{
			"path": {Fixed: true, Required: true, Validate: func(raw string) error {
				if raw == "" || raw[0] != '/' {
					return fmt.Errorf("path must be an absolute filesystem path")
				}

				if raw == "/" {
					return fmt.Errorf("path must not be the filesystem root")
				}

				return nil
			}},
		},
	}
	dirPlugin.CheckConfig = func(storeID string, params map[string]string, create bool, strict bool) (map[string]string, error) {
		return dirPlugin.StandardCheckConfig(storeID, params, create, strict, nil)
	}
	plugin.Default.Register(dirPlugin)
}

// dir is the POSIX-file backend driver (spec §4.F): a plain directory
// tree orchestrated through qemu-img.
type dir struct {
	common
}

func (d *dir) Name() string { return "dir" }

func (d *dir) path() string { return d.cfg.Props["path"] }

// dirContentSubdirs maps content types to the subdirectory layout §4.F names.
var dirContentSubdirs = map[string]string{
	"images":  "images",
	"rootdir": "private",
	"iso":     "template/iso",
	"vztmpl":  "template/cache",
	"backup":  "dump",
}

func (d *dir) imagesDir(vmid string) string { return filepath.Join(d.path(), "images", vmid) }
func (d *dir) privateDir(vmid string) string { return filepath.Join(d.path(), "private", vmid) }
func (d *dir) isoDir() string     { return filepath.Join(d.path(), "template", "iso") }
func (d *dir) tmplDir() string    { return filepath.Join(d.path(), "template", "cache") }
func (d *dir) dumpDir() string    { return filepath.Join(d.path(), "dump") }

// dirManagedSubdirs is the closed set of top-level entries this backend
// itself creates and manages under a storage's path (spec §4.F).
var dirManagedSubdirs = map[string]bool{
	"images":  true,
	"private": true,
	"template": true,
	"dump":    true,
}

// ActivateStorage requires the configured path to exist and creates
// missing subdirectories for every content type the storage declares
// (plus "dump" if "rootdir" is declared), per spec §4.F. An existing
// non-empty path is rejected unless every entry it already contains is one
// of the subdirectories this backend manages itself — anything else means
// the path is already in use for something else and must not be adopted
// silently. Idempotent once the path only holds managed subdirectories.
func (d *dir) ActivateStorage(ctx context.Context) error {
	path := d.path()
	if path == "" {
		return fmt.Errorf("storage %q: no path configured", d.cfg.StoreID)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("storage %q: path %q does not exist: %w", d.cfg.StoreID, path, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("storage %q: path %q is not a directory", d.cfg.StoreID, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("storage %q: reading %q: %w", d.cfg.StoreID, path, err)
	}

	for _, e := range entries {
		if !dirManagedSubdirs[e.Name()] {
			return fmt.Errorf("storage %q: path %q already contains unmanaged entry %q", d.cfg.StoreID, path, e.Name())
		}
	}

	content := d.cfg.Props["content"]
	needed := map[string]bool{}
	for c, sub := range dirContentSubdirs {
		if containsContent(content, c) {
			needed[sub] = true
		}
	}

	if containsContent(content, "rootdir") {
		needed["dump"] = true
	}

	for sub := range needed {
		full := filepath.Join(path, sub)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("storage %q: creating %q: %w", d.cfg.StoreID, full, err)
		}

		d.log.Debug("ensured storage subdirectory", logger.Ctx{"path": full})
	}

	return nil
}

// DeactivateStorage is a no-op for the dir backend: nothing is mounted or
// attached beyond the directory already being on disk. Idempotent.
func (d *dir) DeactivateStorage(ctx context.Context) error { return nil }

func (d *dir) ActivateVolume(ctx context.Context, volname string) error   { return nil }
func (d *dir) DeactivateVolume(ctx context.Context, volname string) error { return nil }

// Status reports the filesystem's total/free/used bytes via statfs, per
// spec §4.E: on transport failure, active degrades to false rather than
// returning an error.
func (d *dir) Status(ctx context.Context) StatusInfo {
	var st unix.Statfs_t
	if err := unix.Statfs(d.path(), &st); err != nil {
		d.log.Warn("status probe failed", logger.Ctx{"error": err.Error()})
		return StatusInfo{Active: false}
	}

	total := int64(st.Blocks) * int64(st.Bsize)
	free := int64(st.Bfree) * int64(st.Bsize)

	d.log.Debug("storage filesystem type", logger.Ctx{"fstype": fmt.Sprintf("%#x", st.Type)})

	return StatusInfo{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
		Active:     true,
	}
}

func containsContent(csv string, want string) bool {
	for _, c := range splitCSV(csv) {
		if c == want {
			return true
		}
	}

	return false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}

	out := []string{}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}

			start = i + 1
		}
	}

	return out
}
