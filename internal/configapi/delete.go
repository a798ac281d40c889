package configapi

import (
	"context"
	"fmt"

	"github.com/clustervirt/storage/internal/logger"
)

// Delete removes a storage entry. It is rejected if storeID is "local"
// or if any other entry references storeID as its "base" (spec §4.D).
func (a *API) Delete(ctx context.Context, storeID string) error {
	return a.Locker.WithLock(ctx, configLockKey, true, a.LockTimeout, func() error {
		cfg, err := a.load(ctx)
		if err != nil {
			return err
		}

		if _, ok := cfg.Get(storeID); !ok {
			return fmt.Errorf("storage ID %q does not exist", storeID)
		}

		if storeID == "local" {
			return ErrCannotDeleteLocal
		}

		for _, s := range cfg.All() {
			if s.ID == storeID {
				continue
			}

			if base, ok := s.Get("base"); ok && base == storeID {
				return fmt.Errorf("%w: storage %q is the base of %q", ErrStorageInUse, storeID, s.ID)
			}
		}

		cfg.Remove(storeID)

		if err := a.persist(ctx, cfg); err != nil {
			return err
		}

		a.log.Info("deleted storage", logger.Ctx{"storage": storeID})
		return nil
	})
}
