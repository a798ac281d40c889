package configapi

import (
	"context"
	"fmt"

	"github.com/clustervirt/storage/internal/logger"
	"github.com/clustervirt/storage/internal/sectioncfg"
)

// Update applies params to an existing entry. digest must match the
// config's current digest or the call fails with
// ErrConcurrentModification (spec §4.D, §7.3) without mutating anything.
// "type" is never updatable; the plugin is looked up by the entry's
// existing type.
func (a *API) Update(ctx context.Context, storeID string, params map[string]string, digest sectioncfg.Digest) (Entry, error) {
	var result Entry

	err := a.Locker.WithLock(ctx, configLockKey, true, a.LockTimeout, func() error {
		cfg, err := a.load(ctx)
		if err != nil {
			return err
		}

		if cfg.Digest != digest {
			return fmt.Errorf("%w: storage %q", ErrConcurrentModification, storeID)
		}

		s, ok := cfg.Get(storeID)
		if !ok {
			return fmt.Errorf("storage ID %q does not exist", storeID)
		}

		p, ok := a.Plugins.Lookup(s.Type)
		if !ok {
			return fmt.Errorf("unknown storage type %q for storage %q", s.Type, storeID)
		}

		merged, err := p.CheckConfig(storeID, params, false, true)
		if err != nil {
			return fmt.Errorf("validating update for storage %q: %w", storeID, err)
		}

		updated := s.Clone()
		for k, v := range merged {
			updated.Set(k, v)
		}

		cfg.Put(updated)

		if err := a.persist(ctx, cfg); err != nil {
			return err
		}

		newDigest := sectioncfg.ComputeDigest(mustSerialize(cfg))
		result = toEntry(updated, newDigest)

		a.log.Info("updated storage", logger.Ctx{"storage": storeID})
		return nil
	})

	return result, err
}
