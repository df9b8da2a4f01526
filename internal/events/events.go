// Package events описывает события, которые сервер отправляет подписчикам задач.
// Набор закрыт: Event реализуют только типы этого пакета, поэтому связка
// «тег type + поля» всегда согласована. Сериализация выполняется через jx,
// поле "type" всегда идёт первым.
package events

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/go-faster/jx"
)

// Kind — значение поля "type" в JSON-событии.
type Kind string

const (
	KindInfo     Kind = "info"
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindError    Kind = "error"
	KindComplete Kind = "complete"
	KindStatus   Kind = "status"
	KindWarning  Kind = "warning"
	KindPong     Kind = "pong"
)

// TimeLayout — формат временных меток в событиях (ISO 8601 с микросекундами).
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event — одно событие для доставки в канал.
type Event interface {
	Kind() Kind
	encodeFields(e *jx.Encoder)
}

// Encode сериализует событие в JSON-объект.
func Encode(ev Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(ev.Kind()))
	ev.encodeFields(&e)
	e.ObjEnd()
	return e.Bytes()
}

// Info — информационное сообщение (приветствие, подтверждение подписки, заметки задачи).
type Info struct {
	TaskID    string
	Message   string
	Details   map[string]any // опционально; nil не сериализуется
	Timestamp time.Time
}

func (Info) Kind() Kind { return KindInfo }

func (ev Info) encodeFields(e *jx.Encoder) {
	e.FieldStart("message")
	e.Str(ev.Message)
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	if ev.Details != nil {
		e.FieldStart("details")
		encodeMap(e, ev.Details)
	}
	encodeTime(e, "timestamp", ev.Timestamp)
}

// ProgressState — полезная нагрузка события progress.
type ProgressState struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Operation  string  `json:"operation"`
}

// Progress — текущее состояние выполнения задачи.
type Progress struct {
	TaskID    string
	Progress  ProgressState
	Timestamp time.Time
}

func (Progress) Kind() Kind { return KindProgress }

func (ev Progress) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("progress")
	e.ObjStart()
	e.FieldStart("current")
	e.Int(ev.Progress.Current)
	e.FieldStart("total")
	e.Int(ev.Progress.Total)
	e.FieldStart("percentage")
	e.Float64(ev.Progress.Percentage)
	e.FieldStart("operation")
	e.Str(ev.Progress.Operation)
	e.ObjEnd()
	encodeTime(e, "timestamp", ev.Timestamp)
}

// ResultEntry — результат обработки одного элемента пакета.
type ResultEntry struct {
	Item      string         `json:"item"`
	Status    string         `json:"status"`
	Details   string         `json:"details"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r ResultEntry) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("item")
	e.Str(r.Item)
	e.FieldStart("status")
	e.Str(r.Status)
	e.FieldStart("details")
	e.Str(r.Details)
	e.FieldStart("data")
	encodeMap(e, r.Data)
	encodeTime(e, "timestamp", r.Timestamp)
	e.ObjEnd()
}

// Result — событие об успешно (или содержательно) обработанном элементе.
type Result struct {
	TaskID string
	Result ResultEntry
}

func (Result) Kind() Kind { return KindResult }

func (ev Result) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("result")
	ev.Result.encode(e)
}

// ErrorEntry — ошибка обработки одного элемента пакета.
type ErrorEntry struct {
	Item      string    `json:"item"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

func (r ErrorEntry) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("item")
	e.Str(r.Item)
	e.FieldStart("status")
	e.Str(r.Status)
	e.FieldStart("error")
	e.Str(r.Error)
	e.FieldStart("error_type")
	e.Str(r.ErrorType)
	encodeTime(e, "timestamp", r.Timestamp)
	e.ObjEnd()
}

// Failure — событие типа "error": ошибка элемента пакета или разбора входящего сообщения.
type Failure struct {
	TaskID string
	Error  ErrorEntry
}

func (Failure) Kind() Kind { return KindError }

func (ev Failure) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("error")
	ev.Error.encode(e)
}

// Complete — итоговая сводка задачи.
type Complete struct {
	TaskID    string
	Summary   Summary
	Timestamp time.Time
}

func (Complete) Kind() Kind { return KindComplete }

func (ev Complete) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("summary")
	ev.Summary.encode(e)
	encodeTime(e, "timestamp", ev.Timestamp)
}

// Status — смена состояния задачи (running, finished и т.п.).
type Status struct {
	TaskID    string
	Status    string
	Message   string
	Details   map[string]any
	Timestamp time.Time
}

func (Status) Kind() Kind { return KindStatus }

func (ev Status) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("status")
	e.Str(ev.Status)
	e.FieldStart("message")
	e.Str(ev.Message)
	e.FieldStart("details")
	encodeMap(e, ev.Details)
	encodeTime(e, "timestamp", ev.Timestamp)
}

// Warning — предупреждение по задаче.
type Warning struct {
	TaskID    string
	Message   string
	Details   map[string]any
	Timestamp time.Time
}

func (Warning) Kind() Kind { return KindWarning }

func (ev Warning) encodeFields(e *jx.Encoder) {
	e.FieldStart("task_id")
	e.Str(ev.TaskID)
	e.FieldStart("message")
	e.Str(ev.Message)
	e.FieldStart("details")
	encodeMap(e, ev.Details)
	encodeTime(e, "timestamp", ev.Timestamp)
}

// Pong — ответ на ping.
type Pong struct {
	Timestamp time.Time
}

func (Pong) Kind() Kind { return KindPong }

func (ev Pong) encodeFields(e *jx.Encoder) {
	encodeTime(e, "timestamp", ev.Timestamp)
}

func encodeTime(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.Format(TimeLayout))
}

// encodeMap пишет произвольную карту в детерминированном порядке ключей. nil → {}.
func encodeMap(e *jx.Encoder, m map[string]any) {
	e.ObjStart()
	for _, k := range slices.Sorted(maps.Keys(m)) {
		e.FieldStart(k)
		encodeAny(e, m[k])
	}
	e.ObjEnd()
}

// encodeAny пишет значение, пришедшее от внешнего кода. Несериализуемое значение становится null.
func encodeAny(e *jx.Encoder, v any) {
	if v == nil {
		e.Null()
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		e.Null()
		return
	}
	e.Raw(raw)
}
