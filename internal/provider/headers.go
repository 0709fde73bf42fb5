package provider

import (
	"net/http"
	"strconv"
)

// Rate-limit headers attached to every REST response. Reset values are
// milliseconds since epoch on the wire.
const (
	HeaderDailyLimit        = "X-RateLimit-Limit"
	HeaderDailyRemaining    = "X-RateLimit-Remaining"
	HeaderDailyReset        = "X-RateLimit-Reset"
	HeaderMinutelyLimit     = "X-RateLimit-Minutely-Limit"
	HeaderMinutelyRemaining = "X-RateLimit-Minutely-Remaining"
	HeaderMinutelyReset     = "X-RateLimit-Minutely-Reset"
)

// QuotaSnapshot is whatever quota information one response carried.
// Nil fields were absent from the response.
type QuotaSnapshot struct {
	DailyLimit        *int64
	DailyRemaining    *int64
	DailyResetAt      *int64 // raw wire value, possibly milliseconds
	MinutelyLimit     *int64
	MinutelyRemaining *int64
	MinutelyResetAt   *int64
}

// Empty reports whether the response carried no quota information at all.
func (s *QuotaSnapshot) Empty() bool {
	return s.DailyLimit == nil && s.DailyRemaining == nil && s.DailyResetAt == nil &&
		s.MinutelyLimit == nil && s.MinutelyRemaining == nil && s.MinutelyResetAt == nil
}

// ParseQuotaHeaders extracts quota counters from a response header set.
func ParseQuotaHeaders(h http.Header) *QuotaSnapshot {
	return &QuotaSnapshot{
		DailyLimit:        headerInt64(h, HeaderDailyLimit),
		DailyRemaining:    headerInt64(h, HeaderDailyRemaining),
		DailyResetAt:      headerInt64(h, HeaderDailyReset),
		MinutelyLimit:     headerInt64(h, HeaderMinutelyLimit),
		MinutelyRemaining: headerInt64(h, HeaderMinutelyRemaining),
		MinutelyResetAt:   headerInt64(h, HeaderMinutelyReset),
	}
}

func headerInt64(h http.Header, key string) *int64 {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
