package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-faster/jx"
	"go.uber.org/zap"

	"session-web/internal/events"
	"session-web/internal/infra/logger"
)

// DefaultTaskID — задача канала, если клиент не указал свою.
const DefaultTaskID = "default"

// ErrorTypeInvalidMessage — error_type для входящих сообщений, которые не удалось обработать.
const ErrorTypeInvalidMessage = "invalid_message"

// Типы входящих управляющих сообщений.
const (
	msgPing      = "ping"
	msgSubscribe = "subscribe"
)

// Conn — полный дуплексный канал: запись для реестра плюс чтение для цикла приёма.
type Conn interface {
	Transport
	Read(ctx context.Context) ([]byte, error)
}

// control — разобранное входящее сообщение.
type control struct {
	Type   string
	TaskID string
}

var errMissingType = errors.New(`field "type" is required`)

// parseControl разбирает JSON-объект {"type": ..., "task_id": ...}. Прочие поля игнорируются.
func parseControl(data []byte) (control, error) {
	var msg control
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "type":
			return decodeOptionalString(d, &msg.Type)
		case "task_id":
			return decodeOptionalString(d, &msg.TaskID)
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return control{}, err
	}
	if msg.Type == "" {
		return control{}, errMissingType
	}
	return msg, nil
}

// decodeOptionalString читает строку; null и значения других типов дают пустую строку.
func decodeOptionalString(d *jx.Decoder, dst *string) error {
	if d.Next() != jx.String {
		return d.Skip()
	}
	s, err := d.Str()
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

// Handler обслуживает цикл приёма канала и интерпретирует управляющие сообщения.
type Handler struct {
	reg *Registry
}

// NewHandler связывает обработчик протокола с реестром.
func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

// Serve допускает канал под taskID и читает сообщения до ошибки чтения или отмены ctx.
// Сообщения одного канала обрабатываются строго по порядку. По выходу канал удаляется.
func (h *Handler) Serve(ctx context.Context, conn Conn, taskID string) {
	if taskID == "" {
		taskID = DefaultTaskID
	}
	id := h.reg.Admit(conn, taskID)
	defer h.reg.Remove(id)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("ws receive loop finished", zap.String("conn_id", id), zap.Error(err))
			return
		}
		h.Handle(id, data)
	}
}

// Handle обрабатывает одно входящее сообщение канала id. Ошибки разбора
// возвращаются клиенту событием error, канал при этом не закрывается.
func (h *Handler) Handle(id string, data []byte) {
	msg, err := parseControl(data)
	if err != nil {
		h.reject(id, fmt.Sprintf("Invalid message format: %v", err))
		return
	}

	switch msg.Type {
	case msgPing:
		h.reg.Send(id, events.Pong{Timestamp: h.reg.now()})
	case msgSubscribe:
		if msg.TaskID == "" {
			h.reject(id, `Invalid message format: subscribe requires "task_id"`)
			return
		}
		if !h.reg.Reassign(id, msg.TaskID) {
			return
		}
		h.reg.Send(id, events.Info{
			TaskID:    msg.TaskID,
			Message:   "Subscribed to task: " + msg.TaskID,
			Timestamp: h.reg.now(),
		})
	default:
		h.reject(id, fmt.Sprintf("Unknown message type: %q", msg.Type))
	}
}

func (h *Handler) reject(id, message string) {
	logger.Debug("ws invalid inbound message", zap.String("conn_id", id), zap.String("reason", message))
	taskID, _ := h.reg.TaskOf(id)
	now := h.reg.now()
	h.reg.Send(id, events.Failure{
		TaskID: taskID,
		Error: events.ErrorEntry{
			Status:    "error",
			Error:     message,
			ErrorType: ErrorTypeInvalidMessage,
			Timestamp: now,
		},
	})
}
