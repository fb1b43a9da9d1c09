package main

import (
	"context"
	"log/slog"

	"github.com/gdupload/taskwatch/internal/taskevent"
	"github.com/gdupload/taskwatch/internal/tracker"
)

// follower is the part of *watcher.Watcher that manages per-task topics.
type follower interface {
	Follow(dest string) error
	Unfollow(dest string) error
}

// followTasks subscribes each started task's own topic and drops it again
// once the task finishes or is evicted.
func followTasks(ctx context.Context, changes <-chan tracker.Change, f follower, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			dest := taskevent.TaskTopic(c.TaskID)

			var err error
			switch c.EventType {
			case tracker.ChangeStarted:
				err = f.Follow(dest)
			case tracker.ChangeFinished, tracker.ChangeEvicted:
				err = f.Unfollow(dest)
			default:
				continue
			}
			if err != nil {
				logger.Warn("failed to update task subscription",
					"task_id", c.TaskID,
					"event", c.EventType,
					"error", err,
				)
			}
		}
	}
}
