// Package utils 通用小工具
package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryWithBackoff 执行operation，失败后以指数退避重试最多maxRetries次。
// 每轮退避时间×1.5，封顶maxBackoff。ctx取消时立即放弃并返回ctx.Err()。
func RetryWithBackoff(ctx context.Context, name string, maxRetries int, initialBackoff, maxBackoff time.Duration, operation func() error) error {
	err := operation()
	if err == nil {
		return nil
	}
	if maxRetries <= 0 {
		return fmt.Errorf("%s failed (no retries): %w", name, err)
	}
	slog.Debug("operation failed, will retry", "operation", name, "error", err)

	backoff := initialBackoff
	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err = operation(); err == nil {
			slog.Debug("operation succeeded after retry", "operation", name, "attempt", attempt)
			return nil
		}
		slog.Debug("retry failed", "operation", name, "attempt", attempt, "error", err)

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	slog.Error("operation failed after all retries", "operation", name, "retries", maxRetries, "error", err)
	return fmt.Errorf("%s failed after %d retries: %w", name, maxRetries, err)
}
