package progress

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-web/internal/events"
	"session-web/internal/infra/clock"
	"session-web/internal/infra/logger"
	"session-web/internal/infra/metrics"
)

// Option настраивает Registry.
type Option func(*Registry)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics подключает счётчики активных трекеров.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry — реестр активных трекеров. Один трекер на задачу: Create заменяет прежний.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker

	out     Broadcaster
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewRegistry создаёт реестр, рассылающий события через out.
func NewRegistry(out Broadcaster, opts ...Option) *Registry {
	r := &Registry{
		trackers: make(map[string]*Tracker),
		out:      out,
		now:      clock.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create всегда создаёт новый трекер и заменяет им прежний трекер той же задачи.
func (r *Registry) Create(taskID string) *Tracker {
	t := newTracker(taskID, r.out, r.now, r.removeIf)

	r.mu.Lock()
	_, replaced := r.trackers[taskID]
	r.trackers[taskID] = t
	r.mu.Unlock()

	if replaced {
		logger.Debug("progress tracker replaced", zap.String("task_id", taskID))
	} else {
		r.metrics.TrackerAdded()
	}
	return t
}

// Get возвращает трекер задачи, если он зарегистрирован.
func (r *Registry) Get(taskID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[taskID]
	return t, ok
}

// CreateOrGet возвращает существующий трекер задачи или регистрирует новый.
func (r *Registry) CreateOrGet(taskID string) *Tracker {
	r.mu.Lock()
	if t, ok := r.trackers[taskID]; ok {
		r.mu.Unlock()
		return t
	}
	t := newTracker(taskID, r.out, r.now, r.removeIf)
	r.trackers[taskID] = t
	r.mu.Unlock()

	r.metrics.TrackerAdded()
	return t
}

// TryCreate регистрирует новый трекер, только если у задачи его ещё нет.
// false означает, что задача уже выполняется.
func (r *Registry) TryCreate(taskID string) (*Tracker, bool) {
	r.mu.Lock()
	if _, ok := r.trackers[taskID]; ok {
		r.mu.Unlock()
		return nil, false
	}
	t := newTracker(taskID, r.out, r.now, r.removeIf)
	r.trackers[taskID] = t
	r.mu.Unlock()

	r.metrics.TrackerAdded()
	return t, true
}

// Remove снимает трекер задачи с регистрации. Идемпотентен.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	_, ok := r.trackers[taskID]
	delete(r.trackers, taskID)
	r.mu.Unlock()

	if ok {
		r.metrics.TrackerRemoved()
	}
}

// removeIf удаляет запись, только если она всё ещё указывает на t:
// завершение вытесненного трекера не должно снимать его преемника.
func (r *Registry) removeIf(t *Tracker) {
	r.mu.Lock()
	cur, ok := r.trackers[t.taskID]
	ok = ok && cur == t
	if ok {
		delete(r.trackers, t.taskID)
	}
	r.mu.Unlock()

	if ok {
		r.metrics.TrackerRemoved()
	}
}

// Active возвращает снимки всех зарегистрированных трекеров, старые первыми.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	trackers := slices.Collect(maps.Values(r.trackers))
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
	return out
}

// Status рассылает подписчикам задачи смену её состояния. Трекер не требуется.
func (r *Registry) Status(taskID, status, message string, details map[string]any) {
	r.out.Broadcast(taskID, events.Status{
		TaskID:    taskID,
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: r.now(),
	})
}

// Info рассылает информационное сообщение по задаче.
func (r *Registry) Info(taskID, message string, details map[string]any) {
	r.out.Broadcast(taskID, events.Info{
		TaskID:    taskID,
		Message:   message,
		Details:   details,
		Timestamp: r.now(),
	})
}

// Warning рассылает предупреждение по задаче.
func (r *Registry) Warning(taskID, message string, details map[string]any) {
	r.out.Broadcast(taskID, events.Warning{
		TaskID:    taskID,
		Message:   message,
		Details:   details,
		Timestamp: r.now(),
	})
}
