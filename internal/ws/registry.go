// Package ws — реестр живых WebSocket-каналов и протокол подписки на задачи.
//
// Registry хранит каналы и отображение «задача → участники». Каждый канал имеет
// собственную неограниченную очередь исходящих сообщений и одну горутину-писателя,
// поэтому Send/Broadcast никогда не блокируются на сети. Ошибка доставки (сбой или
// таймаут записи) удаляет канал из реестра и не возвращается вызывающему. Медленный,
// но живой канал не удаляется: зависший сокет отсекается таймаутом записи.
package ws

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"session-web/internal/events"
	"session-web/internal/infra/clock"
	"session-web/internal/infra/logger"
	"session-web/internal/infra/metrics"
)

// WelcomeMessage — текст приветственного события при допуске канала.
const WelcomeMessage = "Connected to Session Web 2.0"

// Значения по умолчанию для Options.
const (
	defaultBacklogWarn  = 1024
	defaultWriteTimeout = 10 * time.Second
)

// Transport — сторона записи канала. Реализация обязана допускать Close,
// вызванный конкурентно с Write.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Options задаёт параметры реестра. Нулевые значения заменяются дефолтами.
type Options struct {
	BacklogWarn  int              // длина очереди канала, при которой пишется предупреждение
	WriteTimeout time.Duration    // таймаут одной записи в транспорт
	Clock        func() time.Time // источник времени для временных меток
	Metrics      *metrics.Metrics // может быть nil
}

// client — запись о канале. taskID меняется только под Registry.mu.
type client struct {
	id        string
	taskID    string
	transport Transport

	mu      sync.Mutex
	pending [][]byte      // ещё не записанные сообщения в порядке постановки
	warned  bool          // предупреждение о длинной очереди уже выдано
	wake    chan struct{} // ёмкость 1: сигнал писателю о новых сообщениях
	done    chan struct{}

	stopOnce sync.Once
}

// push добавляет сообщение в очередь и будит писателя. Возвращает длину очереди;
// 0 означает, что канал уже остановлен.
func (c *client) push(payload []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return 0
	default:
	}
	c.pending = append(c.pending, payload)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return len(c.pending)
}

// take забирает всю накопленную очередь.
func (c *client) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := c.pending
	c.pending = nil
	c.warned = false
	return batch
}

func (c *client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// stop закрывает done и транспорт ровно один раз и освобождает очередь.
func (c *client) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.pending = nil
		c.mu.Unlock()
		_ = c.transport.Close()
	})
}

// Registry — реестр каналов и маршрутизатор рассылок по задачам.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	tasks   map[string][]string // задача → id каналов в порядке подписки

	seq          atomic.Uint64
	backlogWarn  int
	writeTimeout time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	writers      sync.WaitGroup
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(opts Options) *Registry {
	if opts.BacklogWarn <= 0 {
		opts.BacklogWarn = defaultBacklogWarn
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	return &Registry{
		clients:      make(map[string]*client),
		tasks:        make(map[string][]string),
		backlogWarn:  opts.BacklogWarn,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Clock,
		metrics:      opts.Metrics,
	}
}

// Admit регистрирует канал под задачей taskID и сразу ставит в очередь приветствие.
// Возвращает идентификатор канала, уникальный в пределах процесса.
func (r *Registry) Admit(t Transport, taskID string) string {
	c := &client{
		id:        fmt.Sprintf("conn_%d_%d", r.seq.Add(1), r.now().UnixNano()),
		taskID:    taskID,
		transport: t,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[c.id] = c
	r.tasks[taskID] = append(r.tasks[taskID], c.id)
	r.writers.Add(1)
	r.mu.Unlock()

	go r.writeLoop(c)
	r.metrics.ChannelOpened()
	logger.Debug("ws channel admitted", zap.String("conn_id", c.id), zap.String("task_id", taskID))

	r.Send(c.id, events.Info{TaskID: taskID, Message: WelcomeMessage, Timestamp: r.now()})
	return c.id
}

// Remove удаляет канал и закрывает его транспорт. Повторный вызов и неизвестный id — no-op.
func (r *Registry) Remove(id string) {
	r.remove(id)
}

// remove возвращает true, если канал был зарегистрирован и удалён этим вызовом.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		r.detachLocked(c.taskID, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.stop()
	r.metrics.ChannelClosed()
	logger.Debug("ws channel removed", zap.String("conn_id", id), zap.String("task_id", c.taskID))
	return true
}

// Send сериализует событие и ставит его в очередь канала.
func (r *Registry) Send(id string, ev events.Event) {
	r.enqueue(id, ev.Kind(), events.Encode(ev))
}

// Broadcast доставляет событие всем каналам, подписанным на taskID в момент вызова.
// Задача без участников — тихий no-op.
func (r *Registry) Broadcast(taskID string, ev events.Event) {
	r.mu.Lock()
	members := slices.Clone(r.tasks[taskID])
	r.mu.Unlock()

	if len(members) == 0 {
		return
	}
	payload := events.Encode(ev)
	for _, id := range members {
		r.enqueue(id, ev.Kind(), payload)
	}
}

// Reassign переносит канал на задачу taskID. Возвращает false для неизвестного канала.
func (r *Registry) Reassign(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}
	if c.taskID == taskID {
		return true
	}
	r.detachLocked(c.taskID, id)
	r.tasks[taskID] = append(r.tasks[taskID], id)
	c.taskID = taskID
	return true
}

// Members возвращает копию списка каналов задачи.
func (r *Registry) Members(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tasks[taskID])
}

// TaskOf возвращает задачу, на которую сейчас подписан канал.
func (r *Registry) TaskOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return c.taskID, true
}

// Len — число живых каналов.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close удаляет все каналы и ждёт завершения писателей.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
	r.writers.Wait()
}

// detachLocked убирает id из списка задачи и удаляет опустевшую запись. Вызывающий держит mu.
func (r *Registry) detachLocked(taskID, id string) {
	members := r.tasks[taskID]
	idx := slices.Index(members, id)
	if idx < 0 {
		return
	}
	members = slices.Delete(members, idx, idx+1)
	if len(members) == 0 {
		delete(r.tasks, taskID)
		return
	}
	r.tasks[taskID] = members
}

func (r *Registry) enqueue(id string, kind events.Kind, payload []byte) {
	r.mu.Lock()
	c, ok := r.clients[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	backlog := c.push(payload)
	if backlog == 0 {
		return
	}
	r.metrics.EventQueued(string(kind))

	if backlog >= r.backlogWarn {
		c.mu.Lock()
		first := !c.warned
		c.warned = true
		c.mu.Unlock()
		if first {
			logger.Warn("ws channel is falling behind",
				zap.String("conn_id", id), zap.Int("backlog", backlog))
		}
	}
}

// writeLoop — единственный писатель канала: сохраняет порядок постановки в очередь.
// Канал удаляется только при сбое или таймауте записи.
func (r *Registry) writeLoop(c *client) {
	defer r.writers.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for _, payload := range c.take() {
			if c.stopped() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := c.transport.Write(ctx, payload)
			cancel()
			if err == nil {
				continue
			}
			// Запись в уже удалённый канал сбоем доставки не считается.
			if !c.stopped() && r.remove(c.id) {
				logger.Debug("ws write failed; dropping channel", zap.String("conn_id", c.id), zap.Error(err))
				r.metrics.DeliveryFailed()
			}
			return
		}
	}
}
