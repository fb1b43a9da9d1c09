package tracker

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/gdupload/taskwatch/internal/taskevent"
)

// taskRecord is a Task plus the per-file states its counters derive from.
type taskRecord struct {
	Task
	files map[int64]taskevent.FileStatusCode
}

func (r *taskRecord) snapshot() Task {
	t := r.Task
	t.FilesSucceeded, t.FilesFailed, t.FilesSkipped = 0, 0, 0
	for _, s := range r.files {
		switch s {
		case taskevent.FileSucceeded:
			t.FilesSucceeded++
		case taskevent.FileFailed:
			t.FilesFailed++
		case taskevent.FileSkipped:
			t.FilesSkipped++
		}
	}
	return t
}

// trackerState holds the thread-safe task cache.
type trackerState struct {
	mu sync.RWMutex

	// All known tasks indexed by id.
	tasks map[int64]*taskRecord

	// Tasks not yet in a terminal state.
	activeSet map[int64]struct{}

	// Output channel for the watcher.
	changes chan Change
}

func newState() *trackerState {
	return &trackerState{
		tasks:     make(map[int64]*taskRecord),
		activeSet: make(map[int64]struct{}),
		changes:   make(chan Change, ChangeBufferSize),
	}
}

// getTask returns a task by id (read-locked).
func (s *trackerState) getTask(id int64) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return r.snapshot(), true
}

// getActiveTasks returns a copy of all active tasks ordered by id (read-locked).
func (s *trackerState) getActiveTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Task, 0, len(s.activeSet))
	for id := range s.activeSet {
		if r, ok := s.tasks[id]; ok {
			result = append(result, r.snapshot())
		}
	}
	sortTasks(result)
	return result
}

// getTasks returns a copy of all tasks ordered by id (read-locked).
func (s *trackerState) getTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Task, 0, len(s.tasks))
	for _, r := range s.tasks {
		result = append(result, r.snapshot())
	}
	sortTasks(result)
	return result
}

// apply folds ev into the task it belongs to and returns the resulting
// changes in order (write-locked).
func (s *trackerState) apply(ev taskevent.Event, now time.Time) []Change {
	id := ev.TaskID()
	if id == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []Change

	r, known := s.tasks[id]
	if !known {
		r = &taskRecord{
			Task:  Task{ID: id, Status: taskevent.TaskUploading, FirstSeenAt: now},
			files: make(map[int64]taskevent.FileStatusCode),
		}
		if ev.TaskStatus != nil {
			r.Status = ev.TaskStatus.Status
		}
		s.tasks[id] = r
		if r.Active() {
			s.activeSet[id] = struct{}{}
			changes = append(changes, s.changeLocked(r, ChangeStarted, r.Status))
		}
	}
	r.LastEventAt = now

	switch {
	case ev.Progress != nil:
		p := ev.Progress
		r.Progress = p.Progress
		r.UploadedCount = p.UploadedCount
		r.TotalCount = p.TotalCount
		r.UploadedSize = p.UploadedSize
		r.TotalSize = p.TotalSize
		r.CurrentFile = p.CurrentFileName

	case ev.FileStatus != nil:
		r.files[ev.FileStatus.FileID] = ev.FileStatus.Status

	case ev.TaskStatus != nil:
		r.Message = ev.TaskStatus.Message
		old := r.Status
		if known && old != ev.TaskStatus.Status {
			r.Status = ev.TaskStatus.Status
			changes = append(changes, s.changeLocked(r, ChangeStatusChange, old))
		}
		if r.Status.Terminal() && r.FinishedAt.IsZero() {
			r.FinishedAt = now
			delete(s.activeSet, id)
			changes = append(changes, s.changeLocked(r, ChangeFinished, old))
		} else if !r.Status.Terminal() && !r.FinishedAt.IsZero() {
			// A finished task was resumed.
			r.FinishedAt = time.Time{}
			s.activeSet[id] = struct{}{}
			changes = append(changes, s.changeLocked(r, ChangeStarted, old))
		}
	}

	return changes
}

func (s *trackerState) changeLocked(r *taskRecord, eventType string, old taskevent.TaskStatusCode) Change {
	t := r.snapshot()
	return Change{
		TaskID:    r.ID,
		EventType: eventType,
		OldStatus: old,
		NewStatus: r.Status,
		Task:      &t,
	}
}

// evict removes tasks that finished before finishedBefore and active tasks
// silent since before staleBefore. A zero staleBefore keeps active tasks.
func (s *trackerState) evict(finishedBefore, staleBefore time.Time) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []Change
	for id, r := range s.tasks {
		finished := !r.FinishedAt.IsZero()
		switch {
		case finished && r.FinishedAt.Before(finishedBefore):
		case !finished && !staleBefore.IsZero() && r.LastEventAt.Before(staleBefore):
		default:
			continue
		}
		delete(s.tasks, id)
		delete(s.activeSet, id)
		changes = append(changes, Change{
			TaskID:    id,
			EventType: ChangeEvicted,
			OldStatus: r.Status,
			NewStatus: r.Status,
		})
	}
	slices.SortFunc(changes, func(a, b Change) int { return cmp.Compare(a.TaskID, b.TaskID) })
	return changes
}

// notifyChange sends a change to the changes channel (non-blocking).
func (s *trackerState) notifyChange(change Change) {
	select {
	case s.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-s.changes:
			s.changes <- change
		default:
		}
	}
}

func sortTasks(tasks []Task) {
	slices.SortFunc(tasks, func(a, b Task) int { return cmp.Compare(a.ID, b.ID) })
}

