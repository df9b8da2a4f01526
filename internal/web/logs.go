package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"session-web/internal/infra/logger"
)

const (
	logsPageSize   = 200
	logsMaxPages   = 100
	maxLogFileSize = 100 << 20
)

var errLogFileNotConfigured = errors.New("log file is not configured")

// LogEntry — запись файлового лога (JSON-строка, которую пишет logger.InitFile).
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Caller  string `json:"caller,omitempty"`
	Message string `json:"msg"`
}

// handleLogs отдаёт файловый лог страницами, новые записи первыми.
// ?level= оставляет записи указанного уровня, ?page= начинается с 1.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	page := parsePage(r)
	level := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("level")))

	entries, err := readLogs(s.deps.LogFile, level)
	if err != nil {
		if errors.Is(err, errLogFileNotConfigured) {
			writeError(w, http.StatusNotFound, "Log file is not configured")
			return
		}
		logger.Error("failed to read logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}

	totalPages := (len(entries) + logsPageSize - 1) / logsPageSize
	start := min((page-1)*logsPageSize, len(entries))
	end := min(start+logsPageSize, len(entries))

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries[start:end],
		"page":        page,
		"total_pages": totalPages,
	})
}

// parsePage извлекает номер страницы; мусор и выход за пределы приводятся к границам.
func parsePage(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return min(page, logsMaxPages)
}

// readLogs читает весь файл лога и возвращает записи в обратном порядке.
// Нераспознанные строки попадают в ответ как есть с уровнем unknown.
func readLogs(path, level string) ([]LogEntry, error) {
	if path == "" {
		return nil, errLogFileNotConfigured
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	if stat.Size() > maxLogFileSize {
		return nil, fmt.Errorf("log file too large: %d bytes (max %d)", stat.Size(), maxLogFileSize)
	}

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry := parseLogLine(line)
		if level != "" && entry.Level != level {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

func parseLogLine(line string) LogEntry {
	var raw struct {
		Level  string `json:"level"`
		Time   string `json:"time"`
		Caller string `json:"caller"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{Level: "unknown", Message: line}
	}
	return LogEntry{
		Time:    raw.Time,
		Level:   strings.ToLower(raw.Level),
		Caller:  raw.Caller,
		Message: raw.Msg,
	}
}
