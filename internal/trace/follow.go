// internal/trace/follow.go
package trace

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Follow streams records of runID appended to path until ctx is cancelled.
// Existing records are delivered first. An empty runID follows every run.
func Follow(ctx context.Context, path, runID string, logger *zap.Logger, fn func(Record)) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail trace file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	log := logger.Named("trace-follow")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				log.Debug("Trace tailer channel closed.")
				return t.Err()
			}
			if line.Err != nil {
				log.Warn("Error reading trace file", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var rec Record
			if err := json.UnmarshalFromString(text, &rec); err != nil {
				log.Debug("Skipping malformed trace line", zap.Error(err))
				continue
			}
			if runID != "" && rec.RunID != runID {
				continue
			}
			fn(rec)
		}
	}
}
