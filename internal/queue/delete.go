package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbor-rag/arbor/pkg/leaselock"
	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/store"
)

// DeleteMsg asks a worker to remove a dataset and all of its artifacts.
type DeleteMsg struct {
	Dataset string `json:"dataset"`
}

// ProcessDeleteMessage removes the dataset's artifacts and its index
// rows under the same lease a build would take, so a delete never races
// a running build of the same dataset.
func ProcessDeleteMessage(
	ctx context.Context,
	artifacts store.ArtifactStore,
	pool *pgxpool.Pool,
	msg string,
) error {
	data := new(DeleteMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return fmt.Errorf("failed to decode delete message: %w", err)
	}
	if data.Dataset == "" {
		return fmt.Errorf("delete message has no dataset")
	}

	run := func(deleteCtx context.Context) error {
		start := time.Now()

		if err := artifacts.DeletePrefix(deleteCtx, store.DatasetPrefix(data.Dataset)); err != nil {
			return err
		}
		if pool != nil {
			if _, err := pool.Exec(deleteCtx, `DELETE FROM embeddings WHERE dataset = $1`, data.Dataset); err != nil {
				return fmt.Errorf("failed to delete index rows for %s: %w", data.Dataset, err)
			}
		}

		logger.Info("[Queue] Delete completed",
			"dataset", data.Dataset,
			"duration_sec", time.Since(start).Seconds(),
		)
		return nil
	}

	if pool == nil {
		return run(ctx)
	}

	lockClient, err := leaselock.New(ctx, pool)
	if err != nil {
		return err
	}
	return lockClient.WithLease(ctx, leaselock.BuildKey(data.Dataset), leaselock.Options{
		TTL:         10 * time.Minute,
		RenewEvery:  4 * time.Minute,
		Wait:        true,
		TokenPrefix: fmt.Sprintf("delete/%s/", data.Dataset),
	}, run)
}
