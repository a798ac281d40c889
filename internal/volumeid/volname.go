package volumeid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// VType is the kind of volume a volname names.
type VType string

const (
	VTypeImage    VType = "images"
	VTypeISO      VType = "iso"
	VTypeTemplate VType = "vztmpl"
	VTypeBackup   VType = "backup"
	VTypeRootdir  VType = "rootdir"
)

// Format is an image's on-disk encoding.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatQcow2 Format = "qcow2"
	FormatVMDK  Format = "vmdk"
)

// ValidImageFormats is the closed set of image formats the grammar in §3
// recognizes.
var ValidImageFormats = map[Format]bool{
	FormatRaw:   true,
	FormatQcow2: true,
	FormatVMDK:  true,
}

// Volname is the decoded tuple a backend's parser yields, per spec §4.A.
type Volname struct {
	VType     VType
	Name      string // base filename, e.g. "vm-100-disk-1.qcow2"
	VMID      string
	BaseName  string // set for linked clones
	BaseVMID  string // set for linked clones
	IsBase    bool
	Format    Format
	Raw       string
}

var (
	imagePattern = regexp.MustCompile(`^(\d+)/((vm|base)-(\d+)-[^/]+)\.(raw|qcow2|vmdk)$`)
	linkedClonePattern = regexp.MustCompile(`^(\d+)/([^/]+)/(\d+)/((vm|base)-(\d+)-[^/]+)\.(raw|qcow2|vmdk)$`)
	isoPattern      = regexp.MustCompile(`^iso/(.+\.iso)$`)
	templatePattern = regexp.MustCompile(`^vztmpl/(.+\.tar\.gz)$`)
	backupPattern   = regexp.MustCompile(`^backup/(vzdump-(?:openvz|qemu)-(\d+)-.+\.(?:tar|tar\.gz|tar\.lzo|tgz|vma|vma\.gz|vma\.lzo))$`)
	rootdirPattern  = regexp.MustCompile(`^rootdir/(\d+)$`)
)

// ParseVolname decodes a dir/file-backend volname per spec §3.
//
// Grammars recognized:
//
//	image:        <vmid>/<name>.<ext>
//	linked clone: <basevmid>/<basename>/<vmid>/<name>
//	iso:          iso/<file>.iso
//	template:     vztmpl/<file>.tar.gz
//	backup:       backup/<file>
//	rootdir:      rootdir/<vmid>
func ParseVolname(volname string) (Volname, error) {
	if m := linkedClonePattern.FindStringSubmatch(volname); m != nil {
		return Volname{
			VType:    VTypeImage,
			Name:     m[4] + "." + m[7],
			VMID:     m[3],
			BaseVMID: m[1],
			BaseName: m[2],
			IsBase:   false,
			Format:   Format(m[7]),
			Raw:      volname,
		}, nil
	}

	if m := imagePattern.FindStringSubmatch(volname); m != nil {
		vmid, name, kind, nameVMID, ext := m[1], m[2], m[3], m[4], m[5]
		if nameVMID != vmid {
			return Volname{}, fmt.Errorf("unable to parse volname %q: directory vmid %q does not match name vmid %q", volname, vmid, nameVMID)
		}

		return Volname{
			VType:  VTypeImage,
			Name:   name + "." + ext,
			VMID:   vmid,
			IsBase: kind == "base",
			Format: Format(ext),
			Raw:    volname,
		}, nil
	}

	if m := isoPattern.FindStringSubmatch(volname); m != nil {
		return Volname{VType: VTypeISO, Name: m[1], Raw: volname}, nil
	}

	if m := templatePattern.FindStringSubmatch(volname); m != nil {
		return Volname{VType: VTypeTemplate, Name: m[1], Raw: volname}, nil
	}

	if m := backupPattern.FindStringSubmatch(volname); m != nil {
		return Volname{VType: VTypeBackup, Name: m[1], VMID: m[2], Raw: volname}, nil
	}

	if m := rootdirPattern.FindStringSubmatch(volname); m != nil {
		return Volname{VType: VTypeRootdir, Name: m[1], VMID: m[1], Raw: volname}, nil
	}

	return Volname{}, fmt.Errorf("unable to parse volname %q: does not match any known grammar", volname)
}

// FormatVolname re-encodes a Volname tuple back to its string form. It is
// the left inverse of ParseVolname: FormatVolname(ParseVolname(v)) == v for
// any v accepted by ParseVolname.
func FormatVolname(v Volname) (string, error) {
	switch v.VType {
	case VTypeImage:
		if v.BaseVMID != "" {
			return fmt.Sprintf("%s/%s/%s/%s", v.BaseVMID, v.BaseName, v.VMID, v.Name), nil
		}

		kind := "vm"
		if v.IsBase {
			kind = "base"
		}

		if !strings.HasPrefix(v.Name, kind+"-"+v.VMID+"-") {
			return "", fmt.Errorf("image name %q does not match vmid %q / base flag", v.Name, v.VMID)
		}

		return fmt.Sprintf("%s/%s", v.VMID, v.Name), nil
	case VTypeISO:
		return "iso/" + v.Name, nil
	case VTypeTemplate:
		return "vztmpl/" + v.Name, nil
	case VTypeBackup:
		return "backup/" + v.Name, nil
	case VTypeRootdir:
		return "rootdir/" + v.VMID, nil
	default:
		return "", fmt.Errorf("unknown volume type %q", v.VType)
	}
}

// ZVType is the kind of a ZFS-backend volume name.
type ZVType string

const (
	ZVTypeVM     ZVType = "vm"
	ZVTypeBase   ZVType = "base"
	ZVTypeSubvol ZVType = "subvol"
)

// ZFSVolname is the decoded tuple for the ZFS backend's naming grammar.
type ZFSVolname struct {
	ZType    ZVType
	VMID     string
	Suffix   string
	IsBase   bool
	BaseName string // set when this is a linked-clone-style prefixed name
	Raw      string
}

var zfsVolPattern = regexp.MustCompile(`^(?:(base-\d+-[^/]+)/)?(vm|base|subvol)-(\d+)-([^/]+)$`)

// ParseZFSVolname decodes a ZFS backend volname: "(vm|base|subvol)-<vmid>-<suffix>",
// optionally prefixed "base-<vmid>-<suffix>/" for linked clones.
func ParseZFSVolname(volname string) (ZFSVolname, error) {
	m := zfsVolPattern.FindStringSubmatch(volname)
	if m == nil {
		return ZFSVolname{}, fmt.Errorf("unable to parse zfs volname %q", volname)
	}

	return ZFSVolname{
		BaseName: m[1],
		ZType:    ZVType(m[2]),
		VMID:     m[3],
		Suffix:   m[4],
		IsBase:   m[2] == "base",
		Raw:      volname,
	}, nil
}

// FormatZFSVolname re-encodes a ZFSVolname back to its string form.
func FormatZFSVolname(v ZFSVolname) string {
	base := fmt.Sprintf("%s-%s-%s", v.ZType, v.VMID, v.Suffix)
	if v.BaseName != "" {
		return v.BaseName + "/" + base
	}

	return base
}

// ToVolname adapts a ZFSVolname to the generic Volname tuple so ZFS-backed
// drivers can satisfy the same ParseVolname contract as the dir backend.
// "zvol" stands in as the pseudo-format for vm/base (raw block) names;
// "dataset" for subvol (filesystem) names — see featureMatrix.
func ToVolname(zv ZFSVolname) Volname {
	format := Format("zvol")
	vtype := VTypeImage
	if zv.ZType == ZVTypeSubvol {
		format = Format("dataset")
		vtype = VTypeRootdir
	}

	baseVMID := ""
	baseName := ""
	if zv.BaseName != "" {
		if base, err := ParseZFSVolname(zv.BaseName); err == nil {
			baseVMID = base.VMID
		}

		baseName = zv.BaseName
	}

	return Volname{
		VType:    vtype,
		Name:     FormatZFSVolname(ZFSVolname{ZType: zv.ZType, VMID: zv.VMID, Suffix: zv.Suffix}),
		VMID:     zv.VMID,
		BaseVMID: baseVMID,
		BaseName: baseName,
		IsBase:   zv.IsBase,
		Format:   format,
		Raw:      zv.Raw,
	}
}

// NextFreeSuffix returns the smallest integer in [1, 99] not present in
// used, or an error if the range [1, 99] is exhausted. Shared by the dir
// backend's disk-N scan and the ZFS backend's id scan.
func NextFreeSuffix(used map[int]bool) (int, error) {
	for n := 1; n <= 99; n++ {
		if !used[n] {
			return n, nil
		}
	}

	return 0, fmt.Errorf("no free disk index in range 1-99")
}

// ParseDiskIndex extracts the trailing "disk-N" (or "-disk-N" suffix)
// integer from a name, returning ok=false if absent.
func ParseDiskIndex(name string) (int, bool) {
	idx := strings.LastIndex(name, "disk-")
	if idx < 0 {
		return 0, false
	}

	rest := name[idx+len("disk-"):]
	// Strip a trailing extension if present (e.g. "1.qcow2").
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}

	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}

	return n, true
}
