package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts the polling connector and the housekeeping sweeper and blocks
// until the context is canceled or one of them fails. Running sessions are
// stopped on the way out so a restart begins from a quiet state.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("dialog engine starting",
		"env", r.cfg.Environment,
		"platform", r.cfg.Platform,
		"namespace", r.cfg.BrandNamespace,
		"db_path", r.cfg.DBPath,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.connector.Run(groupCtx)
	})
	group.Go(func() error {
		return r.sweeper.Run(groupCtx)
	})

	err := group.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := r.manager.StopAll(stopCtx); stopErr != nil {
		r.logger.Error("session stop sweep failed", "error", stopErr)
	}
	return err
}
