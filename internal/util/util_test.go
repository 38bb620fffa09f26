package util

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{500, "500"},
		{1500, "1.5K"},
		{1500000, "1.5M"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.FixedZone("CET", 3600))
	got := ParseTime(FormatTime(ts))
	if !got.Equal(ts) {
		t.Errorf("ParseTime(FormatTime(%v)) = %v", ts, got)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 900000000, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	if !(FormatTime(a) < FormatTime(b)) {
		t.Errorf("expected %q < %q", FormatTime(a), FormatTime(b))
	}
}

func TestParseTime_SQLiteFormat(t *testing.T) {
	got := ParseTime("2026-02-03 04:05:06")
	want := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseTime() = %v, want %v", got, want)
	}
}

func TestNullHelpers(t *testing.T) {
	if NullStringPtr(nil).Valid {
		t.Error("NullStringPtr(nil) should be invalid")
	}
	s := "client-1"
	if got := NullStringToPtr(NullStringPtr(&s)); got == nil || *got != s {
		t.Errorf("NullStringToPtr round trip = %v", got)
	}

	if NullFloat64ToPtr(sql.NullFloat64{}) != nil {
		t.Error("NullFloat64ToPtr(invalid) should be nil")
	}
	f := 0.25
	if got := NullFloat64ToPtr(sql.NullFloat64{Float64: f, Valid: true}); got == nil || *got != f {
		t.Errorf("NullFloat64ToPtr(valid) = %v", got)
	}

	if NullStringToTime(NullTime(nil)) != nil {
		t.Error("nil time should stay nil")
	}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := NullStringToTime(NullTime(&ts)); got == nil || !got.Equal(ts) {
		t.Errorf("NullTime round trip = %v", got)
	}

	if BoolToInt64(true) != 1 || BoolToInt64(false) != 0 {
		t.Error("BoolToInt64 mismatch")
	}
}

func TestDataPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name    string
		xdgHome string
		elem    []string
		want    string
	}{
		{name: "xdg set", xdgHome: "/tmp/xdg", elem: []string{"sticky"}, want: filepath.Join("/tmp/xdg", "mbandit", "sticky")},
		{name: "xdg unset", elem: []string{"sticky"}, want: filepath.Join(home, ".local", "share", "mbandit", "sticky")},
		{name: "relative xdg ignored", xdgHome: "rel", want: filepath.Join(home, ".local", "share", "mbandit")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_DATA_HOME", tt.xdgHome)
			got, err := DataPath(tt.elem...)
			if err != nil {
				t.Fatalf("DataPath() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DataPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
