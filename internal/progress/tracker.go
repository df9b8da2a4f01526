// Package progress ведёт состояние долгих пакетных задач и рассылает события о ходе
// их выполнения подписчикам задачи.
//
// Tracker — накопитель одной задачи: результаты, ошибки, процент выполнения.
// Registry — процессный реестр «задача → трекер». Все методы трекера работают по
// принципу «выстрелил и забыл»: доставка событий никогда не возвращает ошибку и не
// задерживает вызывающего.
package progress

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"session-web/internal/events"
)

// Broadcaster доставляет событие всем подписчикам задачи. Реализация не должна блокироваться на сети.
type Broadcaster interface {
	Broadcast(taskID string, ev events.Event)
}

// StatusError — статус записи об ошибке элемента.
const StatusError = "error"

// Состояния задачи в снимке.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
)

// Tracker накапливает прогресс одной задачи. Безопасен для конкурентного использования;
// события одной задачи рассылаются в порядке вызова методов.
type Tracker struct {
	// mu удерживается и на время рассылки: порядок событий задачи совпадает с порядком вызовов.
	mu sync.Mutex

	taskID    string
	total     int
	current   int
	operation string
	results   []events.ResultEntry
	errors    []events.ErrorEntry
	startedAt time.Time
	summary   *events.Summary

	out        Broadcaster
	now        func() time.Time
	onComplete func(*Tracker)
}

func newTracker(taskID string, out Broadcaster, now func() time.Time, onComplete func(*Tracker)) *Tracker {
	return &Tracker{
		taskID:     taskID,
		startedAt:  now(),
		out:        out,
		now:        now,
		onComplete: onComplete,
	}
}

// TaskID возвращает идентификатор задачи трекера.
func (t *Tracker) TaskID() string { return t.taskID }

// Percentage — доля выполненного в процентах с одним знаком после запятой; 0 при total == 0.
func Percentage(current, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(current)/float64(total)*1000) / 10
}

// UpdateProgress перезаписывает текущее состояние и рассылает событие progress.
func (t *Tracker) UpdateProgress(current, total int, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = current
	t.total = total
	t.operation = operation
	t.broadcastProgressLocked()
}

// AddResult записывает результат элемента, рассылает result и пересчитанный progress.
func (t *Tracker) AddResult(item, status, details string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := events.ResultEntry{
		Item:      item,
		Status:    status,
		Details:   details,
		Data:      maps.Clone(data),
		Timestamp: t.now(),
	}
	t.results = append(t.results, entry)
	t.out.Broadcast(t.taskID, events.Result{TaskID: t.taskID, Result: entry})

	t.current = len(t.results) + len(t.errors)
	t.broadcastProgressLocked()
}

// AddError записывает ошибку элемента, рассылает error и пересчитанный progress.
func (t *Tracker) AddError(item, message, errorType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := events.ErrorEntry{
		Item:      item,
		Status:    StatusError,
		Error:     message,
		ErrorType: errorType,
		Timestamp: t.now(),
	}
	t.errors = append(t.errors, entry)
	t.out.Broadcast(t.taskID, events.Failure{TaskID: t.taskID, Error: entry})

	t.current = len(t.results) + len(t.errors)
	t.broadcastProgressLocked()
}

// Complete рассылает итоговую сводку и снимает трекер с регистрации.
// Ключи extra, совпадающие с вычисляемыми полями сводки, отбрасываются.
func (t *Tracker) Complete(extra map[string]any) events.Summary {
	t.mu.Lock()
	end := t.now()
	summary := events.Summary{
		TotalItems:      t.total,
		Completed:       len(t.results) + len(t.errors),
		Errors:          len(t.errors),
		DurationSeconds: math.Round(end.Sub(t.startedAt).Seconds()*100) / 100,
		StartTime:       t.startedAt,
		EndTime:         end,
		Extra:           cloneExtra(extra),
	}
	t.summary = &summary
	t.out.Broadcast(t.taskID, events.Complete{TaskID: t.taskID, Summary: summary, Timestamp: end})
	t.mu.Unlock()

	if t.onComplete != nil {
		t.onComplete(t)
	}
	return summary
}

// Snapshot — копия состояния трекера для API и истории.
type Snapshot struct {
	TaskID    string               `json:"task_id"`
	State     string               `json:"state"`
	Progress  events.ProgressState `json:"progress"`
	Results   []events.ResultEntry `json:"results"`
	Errors    []events.ErrorEntry  `json:"errors"`
	StartTime time.Time            `json:"start_time"`
	Summary   *events.Summary      `json:"summary,omitempty"`
}

// Snapshot возвращает согласованную копию состояния.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TaskID:    t.taskID,
		State:     StateRunning,
		Progress:  t.progressLocked(),
		Results:   slices.Clone(t.results),
		Errors:    slices.Clone(t.errors),
		StartTime: t.startedAt,
	}
	if snap.Results == nil {
		snap.Results = []events.ResultEntry{}
	}
	if snap.Errors == nil {
		snap.Errors = []events.ErrorEntry{}
	}
	if t.summary != nil {
		summary := *t.summary
		snap.Summary = &summary
		snap.State = StateCompleted
	}
	return snap
}

func (t *Tracker) progressLocked() events.ProgressState {
	return events.ProgressState{
		Current:    t.current,
		Total:      t.total,
		Percentage: Percentage(t.current, t.total),
		Operation:  t.operation,
	}
}

func (t *Tracker) broadcastProgressLocked() {
	t.out.Broadcast(t.taskID, events.Progress{
		TaskID:    t.taskID,
		Progress:  t.progressLocked(),
		Timestamp: t.now(),
	})
}

func cloneExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		if events.IsReservedSummaryField(k) {
			continue
		}
		out[k] = v
	}
	return out
}
