package drivers

import "github.com/clustervirt/storage/internal/volumeid"

// ImageInfo is one entry in a list_images result (spec §4.E list_images).
type ImageInfo struct {
	VolID  string
	Size   int64
	Format volumeid.Format
	VMID   string // empty when not owned by a VM (e.g. iso/template)
	Used   bool
	Parent string // base volume id, for linked clones
}

// StatusInfo is the spec §4.E status result: byte counts plus whether the
// backend could actually be reached.
type StatusInfo struct {
	TotalBytes int64
	FreeBytes  int64
	UsedBytes  int64
	Active     bool
}

// Feature is one of the capability classes volume_has_feature checks.
type Feature string

const (
	FeatureSnapshot Feature = "snapshot"
	FeatureClone    Feature = "clone"
	FeatureTemplate Feature = "template"
	FeatureCopy     Feature = "copy"
)

// VolumeState is the state a volume is evaluated in for feature
// negotiation (spec §4.E volume_has_feature: "indexed by (state, format)").
type VolumeState string

const (
	StateBase    VolumeState = "base"
	StateCurrent VolumeState = "current"
	StateSnap    VolumeState = "snap"
)
