package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-faster/jx"
)

// Имена вычисляемых полей сводки. Ключи Extra с такими именами не сериализуются.
const (
	fieldTotalItems      = "total_items"
	fieldCompleted       = "completed"
	fieldErrors          = "errors"
	fieldDurationSeconds = "duration_seconds"
	fieldStartTime       = "start_time"
	fieldEndTime         = "end_time"
)

var reservedSummaryFields = map[string]struct{}{
	fieldTotalItems:      {},
	fieldCompleted:       {},
	fieldErrors:          {},
	fieldDurationSeconds: {},
	fieldStartTime:       {},
	fieldEndTime:         {},
}

// Summary — сводка завершённой задачи: фиксированные вычисляемые поля плюс
// открытая карта Extra от вызывающего кода. В JSON всё сериализуется плоским
// объектом, вычисляемые поля имеют приоритет над одноимёнными ключами Extra.
type Summary struct {
	TotalItems      int
	Completed       int
	Errors          int
	DurationSeconds float64
	StartTime       time.Time
	EndTime         time.Time
	Extra           map[string]any
}

// IsReservedSummaryField сообщает, занято ли имя вычисляемым полем сводки.
func IsReservedSummaryField(name string) bool {
	_, ok := reservedSummaryFields[name]
	return ok
}

func (s Summary) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart(fieldTotalItems)
	e.Int(s.TotalItems)
	e.FieldStart(fieldCompleted)
	e.Int(s.Completed)
	e.FieldStart(fieldErrors)
	e.Int(s.Errors)
	e.FieldStart(fieldDurationSeconds)
	e.Float64(s.DurationSeconds)
	encodeTime(e, fieldStartTime, s.StartTime)
	encodeTime(e, fieldEndTime, s.EndTime)
	for _, k := range slices.Sorted(maps.Keys(s.Extra)) {
		if IsReservedSummaryField(k) {
			continue
		}
		e.FieldStart(k)
		encodeAny(e, s.Extra[k])
	}
	e.ObjEnd()
}

// MarshalJSON сериализует сводку плоским объектом.
func (s Summary) MarshalJSON() ([]byte, error) {
	var e jx.Encoder
	s.encode(&e)
	return e.Bytes(), nil
}

// UnmarshalJSON восстанавливает сводку; неизвестные ключи попадают в Extra.
func (s *Summary) UnmarshalJSON(data []byte) error {
	*s = Summary{}
	d := jx.DecodeBytes(data)
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch k := string(key); k {
		case fieldTotalItems:
			s.TotalItems, err = d.Int()
		case fieldCompleted:
			s.Completed, err = d.Int()
		case fieldErrors:
			s.Errors, err = d.Int()
		case fieldDurationSeconds:
			s.DurationSeconds, err = d.Float64()
		case fieldStartTime:
			s.StartTime, err = decodeTime(d)
		case fieldEndTime:
			s.EndTime, err = decodeTime(d)
		default:
			raw, rawErr := d.Raw()
			if rawErr != nil {
				return rawErr
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("summary field %q: %w", k, err)
			}
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[k] = v
		}
		return err
	})
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	raw, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}
