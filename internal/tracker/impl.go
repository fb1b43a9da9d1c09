package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gdupload/taskwatch/internal/bus"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// Config holds task tracker configuration.
type Config struct {
	// RetainFinished is how long a terminal task stays queryable.
	RetainFinished time.Duration
	// StaleAfter evicts active tasks with no events for this long. Zero
	// keeps them until they finish.
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetainFinished:    10 * time.Minute,
		StaleAfter:        time.Hour,
		ReconcileInterval: time.Minute,
	}
}

// trackerImpl implements the Tracker interface.
type trackerImpl struct {
	cfg    Config
	source Source
	logger *slog.Logger
	now    func() time.Time

	state *trackerState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a task tracker fed by source.
func New(cfg Config, source Source, logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}

	return &trackerImpl{
		cfg:    cfg,
		source: source,
		logger: logger,
		now:    time.Now,
		state:  newState(),
	}
}

// Start begins consuming events in the background.
func (t *trackerImpl) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	events := t.source.Subscribe(t.ctx, bus.TopicProgress, bus.TopicTaskStatus, bus.TopicFileStatus)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.eventLoop(t.ctx, events)
	}()

	t.logger.Info("task tracker started",
		"retain_finished", t.cfg.RetainFinished,
		"stale_after", t.cfg.StaleAfter,
	)

	return nil
}

// Stop gracefully shuts down.
func (t *trackerImpl) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("task tracker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveTasks returns all tasks not yet in a terminal state.
func (t *trackerImpl) ActiveTasks() []Task {
	return t.state.getActiveTasks()
}

// Tasks returns every known task.
func (t *trackerImpl) Tasks() []Task {
	return t.state.getTasks()
}

// Task returns a specific task by id.
func (t *trackerImpl) Task(id int64) (Task, bool) {
	return t.state.getTask(id)
}

// SubscribeChanges returns a channel of task state changes.
func (t *trackerImpl) SubscribeChanges() <-chan Change {
	return t.state.changes
}

// eventLoop applies bus events and evicts old tasks. Both run on this one
// goroutine so notifyChange has a single sender.
func (t *trackerImpl) eventLoop(ctx context.Context, events <-chan any) {
	ticker := time.NewTicker(t.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-events:
			if !ok {
				return
			}
			ev, ok := msg.(taskevent.Event)
			if !ok {
				continue
			}
			t.handleEvent(ev)

		case <-ticker.C:
			t.reconcile()
		}
	}
}

func (t *trackerImpl) handleEvent(ev taskevent.Event) {
	for _, c := range t.state.apply(ev, t.now()) {
		t.logger.Debug("task change",
			"task_id", c.TaskID,
			"event", c.EventType,
			"old_status", c.OldStatus,
			"new_status", c.NewStatus,
		)
		t.state.notifyChange(c)
	}
}

// reconcile evicts finished and stale tasks.
func (t *trackerImpl) reconcile() {
	now := t.now()
	var staleBefore time.Time
	if t.cfg.StaleAfter > 0 {
		staleBefore = now.Add(-t.cfg.StaleAfter)
	}

	changes := t.state.evict(now.Add(-t.cfg.RetainFinished), staleBefore)
	for _, c := range changes {
		t.state.notifyChange(c)
	}
	if len(changes) > 0 {
		t.logger.Info("evicted tasks", "count", len(changes), "active", len(t.state.getActiveTasks()))
	}
}
