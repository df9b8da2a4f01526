package accounts

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/tgerr"
)

// Типы ошибок операций над аккаунтами.
const (
	TypeSessionExpired = "session_expired"
	TypeFloodWait      = "flood_wait"
	TypeBanned         = "banned"
	TypeDeleted        = "deleted"
	TypeNetwork        = "network_error"
	TypeUnauthorized   = "unauthorized"
	TypeTwoFARequired  = "twofa_required"
	TypeConfiguration  = "configuration_error"
	TypeUnknown        = "unknown_error"
)

var descriptions = map[string]string{
	TypeSessionExpired: "Session file is expired or invalid",
	TypeFloodWait:      "Rate limited - too many requests",
	TypeBanned:         "Account is banned or blocked",
	TypeDeleted:        "Account has been deleted",
	TypeNetwork:        "Network connection failed",
	TypeUnauthorized:   "Session not authorized",
	TypeTwoFARequired:  "Two-step verification password is required",
	TypeConfiguration:  "No API credentials configured",
}

// rpcTypes сопоставляет типы RPC-ошибок Telegram с типами операций.
var rpcTypes = map[string]string{
	"AUTH_KEY_UNREGISTERED":   TypeSessionExpired,
	"AUTH_KEY_INVALID":        TypeSessionExpired,
	"AUTH_KEY_DUPLICATED":     TypeSessionExpired,
	"AUTH_KEY_PERM_EMPTY":     TypeSessionExpired,
	"SESSION_REVOKED":         TypeSessionExpired,
	"SESSION_EXPIRED":         TypeSessionExpired,
	"USER_DEACTIVATED_BAN":    TypeBanned,
	"PHONE_NUMBER_BANNED":     TypeBanned,
	"USER_DEACTIVATED":        TypeDeleted,
	"SESSION_PASSWORD_NEEDED": TypeTwoFARequired,
}

// substringRules — разбор по тексту ошибки для всего, что не опознано по типу.
// Порядок важен: первое совпадение выигрывает.
var substringRules = []struct {
	kind string
	all  []string // все подстроки обязательны
	any  []string // хотя бы одна
}{
	{kind: TypeSessionExpired, all: []string{"session"}, any: []string{"expired", "invalid"}},
	{kind: TypeFloodWait, any: []string{"flood", "wait"}},
	{kind: TypeBanned, any: []string{"banned", "blocked"}},
	{kind: TypeDeleted, any: []string{"deleted", "removed"}},
	{kind: TypeNetwork, any: []string{"network", "connection"}},
	{kind: TypeUnauthorized, any: []string{"auth", "unauthorized"}},
}

// OpError — классифицированная ошибка операции над аккаунтом.
// Error() возвращает описание для пользователя, исходная ошибка доступна через Unwrap.
type OpError struct {
	Type        string
	Description string
	Err         error
}

func (e *OpError) Error() string     { return e.Description }
func (e *OpError) Unwrap() error     { return e.Err }
func (e *OpError) ErrorType() string { return e.Type }

func newOpError(kind string, err error) *OpError {
	desc, ok := descriptions[kind]
	if !ok {
		desc = fmt.Sprintf("Unknown error: %v", err)
	}
	return &OpError{Type: kind, Description: desc, Err: err}
}

// Classify относит ошибку к одному из типов: сначала по RPC-ошибке Telegram,
// затем по сетевым признакам, в конце по тексту. Nil остаётся nil.
func Classify(err error) *OpError {
	if err == nil {
		return nil
	}
	var op *OpError
	if errors.As(err, &op) {
		return op
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return newOpError(TypeFloodWait, err)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if kind, known := rpcTypes[rpcErr.Type]; known {
			return newOpError(kind, err)
		}
	}
	if isNetworkError(err) {
		return newOpError(TypeNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range substringRules {
		if containsAll(msg, rule.all) && containsAny(msg, rule.any) {
			return newOpError(rule.kind, err)
		}
	}
	return newOpError(TypeUnknown, err)
}

// isNetworkError распознаёт разрыв соединения с Telegram: мёртвый пул или движок RPC,
// исчерпанные ретраи, дедлайн, EOF и net.Error. Отмена контекста сетевой ошибкой не считается.
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAll(s string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
