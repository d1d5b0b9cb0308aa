package vectorstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

// chunkedUpsert splits points into chunks and writes each with a short
// retry on transient errors. Partial success is reported through the
// failed index list; the error is non-nil only when the context dies.
func chunkedUpsert(ctx context.Context, points []Point, batchSize int, write func(context.Context, []Point) error) (BatchResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var result BatchResult
	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		chunk := points[start:end]

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), 2), ctx)

		err := backoff.Retry(func() error {
			err := write(ctx, chunk)
			if err != nil && !dberr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)

		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			for i := start; i < end; i++ {
				result.Failed = append(result.Failed, i)
			}
			continue
		}
		result.Upserted += len(chunk)
	}

	return result, nil
}
