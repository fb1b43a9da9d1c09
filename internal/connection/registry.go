package connection

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gdupload/taskwatch/internal/buffer"
)

// subscription is one registered destination with its own delivery worker.
type subscription struct {
	id          string
	destination string
	handler     Handler
	logger      *slog.Logger
	onFailure   func(*HandlerError)

	mailbox  *buffer.Queue[Message]
	stopOnce sync.Once
	done     chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// deliver queues msg for the worker. It returns false if the mailbox is
// full or the subscription was stopped.
func (s *subscription) deliver(msg Message) bool {
	if s.mailbox.Send(msg) {
		return true
	}
	s.dropped.Add(1)
	return false
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		msg, ok := s.mailbox.Receive()
		if !ok {
			return
		}
		if err := s.invoke(msg); err != nil {
			s.failed.Add(1)
			s.onFailure(&HandlerError{
				SubscriptionID: s.id,
				Destination:    s.destination,
				Err:            err,
			})
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *subscription) invoke(msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(msg)
}

// stop ends delivery. Queued messages are discarded; a handler already
// running finishes.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.mailbox.Close()
		if n := s.mailbox.Discard(); n > 0 {
			s.logger.Debug("discarded queued messages", "subscription", s.id, "count", n)
		}
	})
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:          s.id,
		Destination: s.destination,
		Pending:     s.mailbox.Len(),
		Delivered:   s.delivered.Load(),
		Failed:      s.failed.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// registry maps subscription ids to subscriptions. It is not safe for
// concurrent use; the Client serializes access under its mutex.
type registry struct {
	nextID       uint64
	subs         map[string]*subscription
	mailboxLimit int
	onFailure    func(*HandlerError)
	logger       *slog.Logger
}

func newRegistry(mailboxLimit int, onFailure func(*HandlerError), logger *slog.Logger) *registry {
	return &registry{
		subs:         make(map[string]*subscription),
		mailboxLimit: mailboxLimit,
		onFailure:    onFailure,
		logger:       logger,
	}
}

// add allocates the next id and starts the subscription's worker.
// Ids are never reused for the lifetime of the registry.
func (r *registry) add(destination string, handler Handler) *subscription {
	id := "sub-" + strconv.FormatUint(r.nextID, 10)
	r.nextID++

	s := &subscription{
		id:          id,
		destination: destination,
		handler:     handler,
		logger:      r.logger,
		onFailure:   r.onFailure,
		mailbox:     buffer.New[Message](16, r.mailboxLimit),
		done:        make(chan struct{}),
	}
	r.subs[id] = s
	go s.run()
	return s
}

func (r *registry) lookup(id string) *subscription {
	return r.subs[id]
}

// remove deletes id and returns it, or nil if unknown. The caller stops it.
func (r *registry) remove(id string) *subscription {
	s, ok := r.subs[id]
	if !ok {
		return nil
	}
	delete(r.subs, id)
	return s
}

// clear stops and removes every subscription and returns their ids, sorted.
func (r *registry) clear() []string {
	ids := make([]string, 0, len(r.subs))
	for id, s := range r.subs {
		s.stop()
		ids = append(ids, id)
	}
	r.subs = make(map[string]*subscription)
	sort.Strings(ids)
	return ids
}

func (r *registry) len() int {
	return len(r.subs)
}

func (r *registry) snapshot() []SubscriptionInfo {
	out := make([]SubscriptionInfo, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
