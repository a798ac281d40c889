package drivers

import (
	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/runner"
)

// common holds the fields every backend needs and the shared feature
// matrix lookup, the way the teacher's `common` struct backs every
// backend via embedding (driver_common.go).
type common struct {
	cfg Config
	log logger.Logger
	run runner.Runner
}

func newCommon(cfg Config, log logger.Logger, run runner.Runner) common {
	if log == nil {
		log = logger.New()
	}

	if run == nil {
		run = runner.Exec{}
	}

	return common{cfg: cfg, log: log.With(logger.Ctx{"storage": cfg.StoreID}), run: run}
}

// featureMatrix is the declared (feature, state, format) -> supported
// table referenced by spec §4.E volume_has_feature and the monotonicity
// property in spec §8. Every backend consults the same matrix; only the
// set of reachable (state, format) combinations differs per backend.
//
// "zvol" and "dataset" are the ZFS backend's pseudo-formats (raw block
// zvol, filesystem dataset) standing in for the dir backend's
// raw/qcow2/vmdk since ZFS volumes aren't extension-tagged.
var featureMatrix = map[Feature]map[VolumeState]map[string]bool{
	FeatureSnapshot: {
		StateCurrent: {"qcow2": true, "qed": true, "raw": false, "zvol": true, "dataset": true},
		StateBase:    {"qcow2": true, "qed": true, "raw": false, "zvol": true, "dataset": true},
		StateSnap:    {"qcow2": true, "qed": true, "raw": false, "zvol": true, "dataset": true},
	},
	FeatureClone: {
		// Only qcow2 is clonable on the dir backend: CloneImage requires a
		// qemu-img backing-file relationship, which raw/vmdk don't support
		// the way clone_image constructs it. zvol/dataset clone via "zfs
		// clone" instead, unrelated to qemu-img's -b flag.
		StateBase: {"qcow2": true, "zvol": true, "dataset": true},
	},
	FeatureTemplate: {
		StateCurrent: {"qcow2": true, "raw": true, "vmdk": true, "zvol": true, "dataset": true},
	},
	FeatureCopy: {
		StateCurrent: {"qcow2": true, "raw": true, "vmdk": true, "zvol": true, "dataset": true},
		StateBase:    {"qcow2": true, "raw": true, "vmdk": true, "zvol": true, "dataset": true},
	},
}

// hasFeature is the shared matrix lookup every backend's
// VolumeHasFeature delegates to.
func hasFeature(feature Feature, state VolumeState, format string) bool {
	byState, ok := featureMatrix[feature]
	if !ok {
		return false
	}

	return byState[state][format]
}
