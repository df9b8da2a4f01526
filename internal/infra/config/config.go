// Package config собирает конфигурацию сервиса массовой работы с Telegram-сессиями.
// Он:
//  1. читает переменные окружения из .env (через godotenv), если файл есть,
//  2. нормализует и валидирует значения, подставляя дефолты с предупреждениями,
//  3. разбирает пул API-ключей (API_PAIRS_JSON), пропуская некорректные пары.
//
// Конфигурация неизменяема после загрузки и передаётся по указателю в App.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"session-web/internal/infra/timeutil"
)

// APIPair — пара api_id/api_hash приложения Telegram.
type APIPair struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
}

// minAPIHashLen — нижняя граница длины api_hash, короче точно не бывает.
const minAPIHashLen = 10

// Valid выполняет базовую проверку пары.
func (p APIPair) Valid() bool {
	return p.APIID > 0 && len(p.APIHash) >= minAPIHashLen
}

// EnvConfig описывает параметры, приходящие из окружения (.env).
type EnvConfig struct {
	ListenAddress string
	LogLevel      string
	AppTimezone   string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Telegram
	APIPairs    []APIPair
	TestDC      bool
	ThrottleRPS int
	// Пакетная обработка
	BatchRPS       int
	ItemTimeoutSec int
	// WebSocket
	WSBacklogWarn     int
	WSWriteTimeoutSec int
	WSOriginPatterns  []string
	// Хранилище и метрики
	HistoryFile   string
	MetricsEnable bool
}

// Config хранит загруженную конфигурацию и накопленные предупреждения.
type Config struct {
	Env      EnvConfig
	Location *time.Location
	warnings []string
}

// Значения по умолчанию для параметров окружения.
const (
	defaultListenAddress     = "0.0.0.0:8000"
	defaultLogLevel          = "info"
	defaultAppTimezone       = "UTC"
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	defaultThrottleRPS       = 5
	defaultBatchRPS          = 2
	defaultItemTimeoutSec    = 60
	defaultWSBacklogWarn     = 1024
	defaultWSWriteTimeoutSec = 10
	defaultHistoryFile       = "data/tasks.bbolt"
	defaultMetricsEnable     = true
)

var defaultOriginPatterns = []string{"*"}

// Load читает .env по пути envPath (если файл существует) и окружение процесса.
// Отсутствующий .env — не ошибка: в контейнерах переменные приходят напрямую.
func Load(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
			appendWarningf(&warnings, ".env file %q not found; using process environment", envPath)
		}
	}

	appTimezone := sanitizeString("APP_TIMEZONE", defaultAppTimezone, &warnings)
	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}

	env := EnvConfig{
		ListenAddress:     sanitizeString("LISTEN_ADDRESS", defaultListenAddress, &warnings),
		LogLevel:          sanitizeLogLevel("LOG_LEVEL", defaultLogLevel, &warnings),
		AppTimezone:       appTimezone,
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
		APIPairs:          parseAPIPairs(os.Getenv("API_PAIRS_JSON"), &warnings),
		TestDC:            strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
		ThrottleRPS:       parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		BatchRPS:          parseIntDefault("BATCH_RPS", defaultBatchRPS, greaterThanZero, &warnings),
		ItemTimeoutSec:    parseIntDefault("ITEM_TIMEOUT_SEC", defaultItemTimeoutSec, greaterThanZero, &warnings),
		WSBacklogWarn:     parseIntDefault("WS_BACKLOG_WARN", defaultWSBacklogWarn, greaterThanZero, &warnings),
		WSWriteTimeoutSec: parseIntDefault("WS_WRITE_TIMEOUT_SEC", defaultWSWriteTimeoutSec, greaterThanZero, &warnings),
		WSOriginPatterns:  parseCSV("WS_ORIGIN_PATTERNS", defaultOriginPatterns, &warnings),
		HistoryFile:       sanitizeString("HISTORY_FILE", defaultHistoryFile, &warnings),
		MetricsEnable:     parseBoolDefault("METRICS_ENABLE", defaultMetricsEnable, &warnings),
	}

	return &Config{Env: env, Location: loc, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func (c *Config) Warnings() []string {
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// ItemTimeout — таймаут обработки одного файла сессии.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Env.ItemTimeoutSec) * time.Second
}

// WSWriteTimeout — таймаут одной записи в WebSocket.
func (c *Config) WSWriteTimeout() time.Duration {
	return time.Duration(c.Env.WSWriteTimeoutSec) * time.Second
}

// Redacted возвращает копию EnvConfig без секретов, пригодную для отладочного дампа.
func (c *Config) Redacted() EnvConfig {
	env := c.Env
	env.APIPairs = make([]APIPair, len(c.Env.APIPairs))
	for i, p := range c.Env.APIPairs {
		env.APIPairs[i] = APIPair{APIID: p.APIID, APIHash: "***"}
	}
	return env
}

// parseAPIPairs разбирает JSON-массив пар. Некорректные элементы пропускаются с предупреждением.
func parseAPIPairs(raw string, warnings *[]string) []APIPair {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		appendWarningf(warnings, "env API_PAIRS_JSON is not set; session operations are disabled")
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		appendWarningf(warnings, "env API_PAIRS_JSON must be a JSON array: %v", err)
		return nil
	}

	pairs := make([]APIPair, 0, len(items))
	for i, item := range items {
		var p APIPair
		if err := json.Unmarshal(item, &p); err != nil || !p.Valid() {
			appendWarningf(warnings, "env API_PAIRS_JSON entry %d is invalid; skipped", i)
			continue
		}
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		appendWarningf(warnings, "env API_PAIRS_JSON has no valid entries; session operations are disabled")
	}
	return pairs
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит validator,
// возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool; при ошибке defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(name string, defaultVal string, warnings *[]string) string {
	raw := os.Getenv(name)
	lvl := strings.ToLower(strings.TrimSpace(raw))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, raw, defaultVal)
		return defaultVal
	}
}

// sanitizeString возвращает непустое значение name или fallback с предупреждением.
func sanitizeString(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// parseCSV разбирает список через запятую, отбрасывая пустые элементы.
func parseCSV(name string, fallback []string, warnings *[]string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, fallback)
		return cloneStrings(fallback)
	}
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if token := strings.TrimSpace(part); token != "" {
			out = append(out, token)
		}
	}
	if len(out) == 0 {
		appendWarningf(warnings, "env %s produced empty list; using default %v", name, fallback)
		return cloneStrings(fallback)
	}
	return out
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
