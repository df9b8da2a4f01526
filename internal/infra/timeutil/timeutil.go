// Package timeutil — разбор часовых поясов из конфигурации.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxOffsetHours = 14

var offsetRe = regexp.MustCompile(`^([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseLocation принимает IANA-имя ("Europe/Moscow") или смещение от UTC
// ("+03:00", "-0700", "UTC+3", "GMT-04:30", "Z").
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, ok := parseOffset(v); ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
	}
	return loc, nil
}

// parseOffset разбирает смещение в фиксированную зону.
func parseOffset(value string) (*time.Location, bool) {
	v := strings.ToUpper(value)
	switch v {
	case "Z", "UTC", "GMT":
		return time.UTC, true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")

	m := offsetRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return nil, false
	}
	hours, _ := strconv.Atoi(m[2])
	mins := 0
	if m[3] != "" {
		mins, _ = strconv.Atoi(m[3])
	}
	if hours > maxOffsetHours || mins > 59 {
		return nil, false
	}

	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	offset := sign * int((time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute).Seconds())
	return time.FixedZone(fmt.Sprintf("UTC%s%02d:%02d", m[1], hours, mins), offset), true
}
