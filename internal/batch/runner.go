// Package batch — последовательная обработка пакета файлов сессий с отчётом о ходе
// выполнения через progress.Tracker.
//
// Runner не знает, что именно делает операция: он проверяет имена, выдерживает темп
// (x/time/rate), ограничивает время на элемент и передаёт трекеру результаты и ошибки.
// Ошибки элементов никогда не прерывают пакет.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"session-web/internal/events"
	"session-web/internal/infra/logger"
	"session-web/internal/infra/metrics"
	"session-web/internal/progress"
)

// SessionSuffix — обязательное расширение файла сессии.
const SessionSuffix = ".session"

// Типы ошибок, которые Runner присваивает сам.
const (
	ErrorTypeInvalidSession = "invalid_session"
	ErrorTypeTimeout        = "timeout"
	ErrorTypeGeneral        = "general_error"
)

// Статусы задачи в событиях status.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
)

const (
	defaultRatePerSecond = 2
	defaultItemTimeout   = time.Minute
)

// Item — один входной файл пакета.
type Item struct {
	Name string
	Data []byte
}

// Outcome — содержательный результат обработки элемента.
type Outcome struct {
	Status  string
	Details string
	Data    map[string]any
}

// Operation — действие над одним элементом. Ошибка с методом ErrorType() string
// передаётся трекеру со своим типом, прочие — как general_error.
type Operation interface {
	Label() string
	Run(ctx context.Context, item Item) (Outcome, error)
}

// Sink сохраняет снимок завершённой задачи (история).
type Sink interface {
	Save(ctx context.Context, snap progress.Snapshot) error
}

// Options задаёт зависимости и параметры Runner.
type Options struct {
	Trackers      *progress.Registry
	RatePerSecond int
	ItemTimeout   time.Duration
	Sink          Sink             // может быть nil
	Metrics       *metrics.Metrics // может быть nil
}

// Runner запускает пакеты. Каждый пакет выдерживает свой темп независимо от других.
type Runner struct {
	trackers    *progress.Registry
	limit       rate.Limit
	itemTimeout time.Duration
	sink        Sink
	metrics     *metrics.Metrics

	wg sync.WaitGroup
}

// NewRunner создаёт Runner; нулевые параметры заменяются дефолтами.
func NewRunner(opts Options) *Runner {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = defaultRatePerSecond
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaultItemTimeout
	}
	return &Runner{
		trackers:    opts.Trackers,
		limit:       rate.Limit(opts.RatePerSecond),
		itemTimeout: opts.ItemTimeout,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
	}
}

// ErrTaskBusy — у задачи уже есть активный трекер.
var ErrTaskBusy = errors.New("task is already running")

// Start регистрирует трекер задачи и запускает пакет в фоне.
// Если задача с тем же taskID ещё выполняется, возвращает ErrTaskBusy и ничего не запускает.
// Дождаться всех запущенных пакетов можно через Wait.
func (r *Runner) Start(ctx context.Context, taskID string, op Operation, items []Item) error {
	tracker, ok := r.trackers.TryCreate(taskID)
	if !ok {
		return ErrTaskBusy
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, tracker, taskID, op, items)
	}()
	return nil
}

// Wait блокируется до завершения всех пакетов, запущенных через Start.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run синхронно обрабатывает пакет и возвращает итоговую сводку.
// Трекер создаётся заново и вытесняет прежний трекер задачи.
// Отмена ctx прекращает обработку оставшихся элементов, но задача всё равно завершается сводкой.
func (r *Runner) Run(ctx context.Context, taskID string, op Operation, items []Item) events.Summary {
	return r.run(ctx, r.trackers.Create(taskID), taskID, op, items)
}

func (r *Runner) run(ctx context.Context, tracker *progress.Tracker, taskID string, op Operation, items []Item) events.Summary {
	label := op.Label()
	r.trackers.Status(taskID, StatusRunning,
		fmt.Sprintf("Starting %s of %d sessions", label, len(items)),
		map[string]any{"operation": label, "total": len(items)})
	tracker.UpdateProgress(0, len(items), label)

	logger.Info("batch started",
		zap.String("task_id", taskID), zap.String("operation", label), zap.Int("items", len(items)))

	limiter := rate.NewLimiter(r.limit, 1)
	counts := make(map[string]int)

	for i, item := range items {
		if !strings.HasSuffix(item.Name, SessionSuffix) {
			tracker.AddError(item.Name, "File must have "+SessionSuffix+" extension", ErrorTypeInvalidSession)
			r.count(counts, label, progress.StatusError)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			skipped := len(items) - i
			logger.Warn("batch interrupted", zap.String("task_id", taskID), zap.Int("skipped", skipped), zap.Error(err))
			r.trackers.Warning(taskID, "Batch interrupted before all sessions were processed",
				map[string]any{"skipped": skipped})
			break
		}

		outcome, err := r.runItem(ctx, op, item)
		if err != nil {
			errType := errorType(err)
			logger.Debug("batch item failed",
				zap.String("task_id", taskID), zap.String("item", item.Name),
				zap.String("error_type", errType), zap.Error(err))
			tracker.AddError(item.Name, err.Error(), errType)
			r.count(counts, label, progress.StatusError)
			continue
		}
		tracker.AddResult(item.Name, outcome.Status, outcome.Details, outcome.Data)
		r.count(counts, label, outcome.Status)
	}

	summary := tracker.Complete(map[string]any{
		"operation":     label,
		"status_counts": counts,
	})
	r.trackers.Status(taskID, StatusFinished,
		fmt.Sprintf("Finished %s: %d processed, %d errors", label, summary.Completed, summary.Errors), nil)

	logger.Info("batch finished",
		zap.String("task_id", taskID),
		zap.Int("completed", summary.Completed),
		zap.Int("errors", summary.Errors),
		zap.Float64("duration_seconds", summary.DurationSeconds))

	if r.sink != nil {
		if err := r.sink.Save(context.WithoutCancel(ctx), tracker.Snapshot()); err != nil {
			logger.Error("failed to save task history", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return summary
}

// runItem выполняет операцию с таймаутом на элемент. Паника операции превращается в ошибку.
func (r *Runner) runItem(ctx context.Context, op Operation, item Item) (outcome Outcome, err error) {
	itemCtx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("operation panicked: %v", rec)
		}
	}()

	outcome, err = op.Run(itemCtx, item)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Outcome{}, &timeoutError{limit: r.itemTimeout, err: err}
	}
	return outcome, err
}

func (r *Runner) count(counts map[string]int, label, status string) {
	counts[status]++
	r.metrics.BatchItem(label, status)
}

// errorType извлекает тип ошибки; ошибки без типа считаются general_error.
func errorType(err error) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); t != "" {
			return t
		}
	}
	return ErrorTypeGeneral
}

// timeoutError — элемент не уложился в отведённое время.
type timeoutError struct {
	limit time.Duration
	err   error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.limit)
}

func (e *timeoutError) Unwrap() error     { return e.err }
func (e *timeoutError) ErrorType() string { return ErrorTypeTimeout }
