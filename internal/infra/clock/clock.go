// Package clock — единая точка получения текущего времени в таймзоне приложения.
package clock

import (
	"sync/atomic"
	"time"
)

var location atomic.Pointer[time.Location]

// SetLocation задаёт таймзону приложения (APP_TIMEZONE). Nil возвращает UTC.
func SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	location.Store(loc)
}

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	if loc := location.Load(); loc != nil {
		return time.Now().In(loc)
	}
	return time.Now().UTC()
}
