package provider

import (
	"net/http"
	"testing"
)

func TestParseQuotaHeadersFullSet(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderDailyLimit, "5000")
	h.Set(HeaderDailyRemaining, "4999")
	h.Set(HeaderDailyReset, "1700000000000")
	h.Set(HeaderMinutelyLimit, "60")
	h.Set(HeaderMinutelyRemaining, "59")
	h.Set(HeaderMinutelyReset, "1700000060000")

	s := ParseQuotaHeaders(h)
	if s.Empty() {
		t.Fatal("expected snapshot to carry values")
	}
	if *s.DailyLimit != 5000 || *s.DailyRemaining != 4999 {
		t.Fatalf("unexpected daily values: %+v", s)
	}
	if *s.DailyResetAt != 1700000000000 {
		t.Fatalf("reset must stay raw at parse time, got %d", *s.DailyResetAt)
	}
	if *s.MinutelyLimit != 60 || *s.MinutelyRemaining != 59 {
		t.Fatalf("unexpected minutely values: %+v", s)
	}
}

func TestParseQuotaHeadersAbsent(t *testing.T) {
	s := ParseQuotaHeaders(http.Header{})
	if !s.Empty() {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}

func TestParseQuotaHeadersIgnoresGarbage(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderDailyLimit, "not-a-number")
	h.Set(HeaderMinutelyRemaining, "12")

	s := ParseQuotaHeaders(h)
	if s.DailyLimit != nil {
		t.Fatal("unparseable header should yield nil")
	}
	if s.MinutelyRemaining == nil || *s.MinutelyRemaining != 12 {
		t.Fatalf("expected minutely remaining 12, got %+v", s.MinutelyRemaining)
	}
}
