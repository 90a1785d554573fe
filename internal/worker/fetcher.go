package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"ref2vec/internal/metrics"
	"ref2vec/internal/provider"
	"ref2vec/internal/router"
)

// Fetcher downloads one attachment through the router with a bounded retry
// budget. Provider-internal retries (remote backoff) happen below this
// layer; the fetcher's budget covers whole routed attempts.
type Fetcher struct {
	config  Config
	router  *router.Router
	metrics *metrics.Collector
	logger  *zap.Logger
}

// Fetch executes one download task. The returned Result always carries the
// task; Err is set when the retry budget is exhausted.
func (f *Fetcher) Fetch(ctx context.Context, task Task) Result {
	start := time.Now()
	f.metrics.FetchStarted()
	defer f.metrics.FetchFinished()

	retries := f.config.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		path, source, err := f.router.Fetch(ctx, task.Item.Key, task.Attachment.Key, task.DestDir)
		if err == nil {
			size := fileSize(path)
			f.metrics.IncDownload(string(source), "success", size)
			f.logger.Debug("Attachment downloaded",
				zap.String("item", task.Item.Key),
				zap.String("attachment", task.Attachment.Key),
				zap.String("source", string(source)),
				zap.Int64("size", size),
				zap.Duration("duration", time.Since(start)),
			)
			return Result{Task: task, Path: path, Source: source, Size: size}
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		f.logger.Warn("Attachment download attempt failed",
			zap.String("item", task.Item.Key),
			zap.String("attachment", task.Attachment.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !retriable(err) || attempt == retries {
			break
		}

		backoff := f.backoff(attempt)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Task: task, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	f.metrics.IncDownload("", "failed", 0)
	return Result{
		Task: task,
		Err:  fmt.Errorf("%w: %v", provider.ErrFetchFailed, lastErr),
	}
}

// retriable limits the worker retry budget to transient classifications
func retriable(err error) bool {
	return errors.Is(err, provider.ErrRateLimited) || errors.Is(err, provider.ErrFetchFailed)
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	base := time.Duration(f.config.RetryBackoffMs) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
