package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type eventType int

const (
	eventAdd eventType = iota
	eventRemove
	eventBroadcast
	eventNames
)

type event struct {
	typ         eventType
	participant *Participant
	id          uint64
	line        string
	reply       chan reply
}

type reply struct {
	ok    bool
	n     int
	names []string
}

// Registry is the table of named participants. A single goroutine (Run)
// owns the table and handles adds, removes and broadcasts one at a time, so
// nothing joins or leaves in the middle of a broadcast.
type Registry struct {
	capacity int
	events   chan event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func NewRegistry(capacity, buffer int, logger *zap.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		capacity: capacity,
		events:   make(chan event, buffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

// Add stores p. It reports false when p's id is already present or the
// table is full; nothing is stored in either case.
func (r *Registry) Add(p *Participant) bool {
	rep, ok := r.do(event{typ: eventAdd, participant: p})
	return ok && rep.ok
}

// Remove drops the participant with id. Unknown ids are ignored.
func (r *Registry) Remove(id uint64) {
	r.do(event{typ: eventRemove, id: id})
}

// BroadcastExcept queues line on every participant other than excludedID
// and returns how many accepted it.
func (r *Registry) BroadcastExcept(line string, excludedID uint64) int {
	rep, _ := r.do(event{typ: eventBroadcast, line: line, id: excludedID})
	return rep.n
}

func (r *Registry) Count() int {
	rep, _ := r.do(event{typ: eventNames})
	return len(rep.names)
}

// Names returns the sorted display names of all participants.
func (r *Registry) Names() []string {
	rep, _ := r.do(event{typ: eventNames})
	return rep.names
}

// do hands ev to the Run loop and waits for the answer. Once the loop has
// exited it returns false immediately.
func (r *Registry) do(ev event) (reply, bool) {
	ev.reply = make(chan reply, 1)
	select {
	case r.events <- ev:
	case <-r.doneCh:
		return reply{}, false
	}
	select {
	case rep := <-ev.reply:
		return rep, true
	case <-r.doneCh:
		return reply{}, false
	}
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	participants := make(map[uint64]*Participant, r.capacity)

	for {
		select {
		case ev := <-r.events:
			switch ev.typ {
			case eventAdd:
				ev.reply <- reply{ok: r.handleAdd(participants, ev.participant)}
				ConnectedParticipants.Set(float64(len(participants)))
			case eventRemove:
				ev.reply <- reply{ok: r.handleRemove(participants, ev.id)}
				ConnectedParticipants.Set(float64(len(participants)))
			case eventBroadcast:
				ev.reply <- reply{n: r.handleBroadcast(participants, ev.line, ev.id)}
			case eventNames:
				ev.reply <- reply{names: r.handleNames(participants)}
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handleAdd(participants map[uint64]*Participant, p *Participant) bool {
	if p == nil {
		return false
	}
	if _, exists := participants[p.ID]; exists {
		r.logger.Warn("duplicate session id", zap.Uint64("session_id", p.ID))
		return false
	}
	if len(participants) >= r.capacity {
		r.logger.Warn("registry full, participant not added",
			zap.Uint64("session_id", p.ID), zap.Int("capacity", r.capacity))
		return false
	}
	participants[p.ID] = p
	r.logger.Debug("participant registered", zap.Uint64("session_id", p.ID), zap.String("name", p.Name))
	return true
}

func (r *Registry) handleRemove(participants map[uint64]*Participant, id uint64) bool {
	p, ok := participants[id]
	if !ok {
		return false
	}
	delete(participants, id)
	r.logger.Debug("participant removed", zap.Uint64("session_id", id), zap.String("name", p.Name))
	return true
}

func (r *Registry) handleBroadcast(participants map[uint64]*Participant, line string, excludedID uint64) int {
	start := time.Now()
	defer func() {
		BroadcastDuration.Observe(time.Since(start).Seconds())
	}()

	delivered := 0
	for id, p := range participants {
		if id == excludedID || p.Conn == nil {
			continue
		}
		if err := p.Conn.Send(line); err != nil {
			r.deliveryFailed(p, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) deliveryFailed(p *Participant, err error) {
	fields := []zap.Field{zap.Uint64("session_id", p.ID), zap.String("name", p.Name), zap.Error(err)}
	switch {
	case errors.Is(err, ErrConnClosed):
		// The session is terminating and will be removed shortly.
		DeliveryFailures.WithLabelValues("closed").Inc()
		r.logger.Debug("delivery skipped", fields...)
	case errors.Is(err, ErrSendQueueFull):
		DeliveryFailures.WithLabelValues("queue_full").Inc()
		r.logger.Warn("delivery failed", fields...)
	default:
		DeliveryFailures.WithLabelValues("other").Inc()
		r.logger.Warn("delivery failed", fields...)
	}
}

func (r *Registry) handleNames(participants map[uint64]*Participant) []string {
	names := lo.MapToSlice(participants, func(_ uint64, p *Participant) string {
		return p.Name
	})
	sort.Strings(names)
	return names
}
