// Package accounts — операции над Telegram-аккаунтами по файлам сессий Telethon.
// Каждая операция поднимает короткоживущий клиент gotd поверх сессии в памяти,
// выполняет одно действие и закрывает соединение. Ошибки классифицируются в
// грубые типы (Classify) для отображения пользователю.
package accounts

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"session-web/internal/batch"
)

// Статусы результата проверки сессии.
const (
	StatusSuccess      = "success"
	StatusUnauthorized = "unauthorized"
)

const defaultThrottleRPS = 5

// ValidatorOptions задаёт параметры клиентов gotd.
type ValidatorOptions struct {
	Pool        *Pool
	ThrottleRPS int         // лимит MTProto-запросов в секунду на клиента
	TestDC      bool        // использовать тестовые DC Telegram
	Logger      *zap.Logger // логгер gotd; nil отключает логирование клиента
	AppVersion  string
}

// Validator проверяет, авторизована ли сессия, и извлекает данные аккаунта.
type Validator struct {
	pool        *Pool
	throttleRPS int
	testDC      bool
	log         *zap.Logger
	device      telegram.DeviceConfig
}

// NewValidator создаёт операцию проверки сессий.
func NewValidator(opts ValidatorOptions) *Validator {
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = defaultThrottleRPS
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AppVersion == "" {
		opts.AppVersion = "1.0"
	}
	return &Validator{
		pool:        opts.Pool,
		throttleRPS: opts.ThrottleRPS,
		testDC:      opts.TestDC,
		log:         opts.Logger,
		device: telegram.DeviceConfig{
			DeviceModel:    "Session Manager",
			SystemVersion:  "1.0",
			AppVersion:     opts.AppVersion,
			SystemLangCode: "en",
			LangCode:       "en",
		},
	}
}

// Label — название операции в событиях прогресса.
func (v *Validator) Label() string { return "validate" }

// Run проверяет одну сессию. Неавторизованная сессия — результат, а не ошибка.
func (v *Validator) Run(ctx context.Context, item batch.Item) (batch.Outcome, error) {
	data, err := LoadSession(ctx, item.Data)
	if err != nil {
		return batch.Outcome{}, newOpError(TypeSessionExpired, err)
	}

	client, err := v.newClient(ctx, data)
	if err != nil {
		return batch.Outcome{}, err
	}

	var outcome batch.Outcome
	runErr := client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return errors.Wrap(err, "auth status")
		}
		if !status.Authorized || status.User == nil {
			outcome = batch.Outcome{
				Status:  StatusUnauthorized,
				Details: "Session not authorized",
				Data:    userData(nil),
			}
			return nil
		}
		outcome = batch.Outcome{
			Status:  StatusSuccess,
			Details: fmt.Sprintf("Valid session for user %d", status.User.ID),
			Data:    userData(status.User),
		}
		return nil
	})
	if runErr != nil {
		return batch.Outcome{}, Classify(runErr)
	}
	return outcome, nil
}

// newClient собирает клиент gotd поверх сессии в памяти с очередной парой API-ключей.
func (v *Validator) newClient(ctx context.Context, data *session.Data) (*telegram.Client, error) {
	pair, err := v.pool.Next()
	if err != nil {
		return nil, newOpError(TypeConfiguration, err)
	}

	store := new(session.StorageMemory)
	if err := (&session.Loader{Storage: store}).Save(ctx, data); err != nil {
		return nil, errors.Wrap(err, "store session")
	}

	options := telegram.Options{
		SessionStorage: store,
		NoUpdates:      true,
		Device:         v.device,
		Logger:         v.log,
		Middlewares: []telegram.Middleware{
			floodwait.NewSimpleWaiter(),
			ratelimit.New(rate.Limit(v.throttleRPS), v.throttleRPS*2), //nolint:mnd // burst = 2*rate
		},
	}
	if v.testDC {
		options.DCList = dcs.Test()
	}
	return telegram.NewClient(pair.APIID, pair.APIHash, options), nil
}

// userData — сведения об аккаунте для результата. Для nil все поля пустые.
func userData(u *tg.User) map[string]any {
	if u == nil {
		return map[string]any{
			"user_id":    nil,
			"phone":      nil,
			"username":   nil,
			"first_name": nil,
			"last_name":  nil,
		}
	}
	return map[string]any{
		"user_id":     u.ID,
		"phone":       u.Phone,
		"username":    u.Username,
		"first_name":  u.FirstName,
		"last_name":   u.LastName,
		"is_bot":      u.Bot,
		"is_verified": u.Verified,
		"is_premium":  u.Premium,
		"is_scam":     u.Scam,
		"is_fake":     u.Fake,
	}
}
