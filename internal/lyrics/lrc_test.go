package lyrics

import (
	"strings"
	"testing"
	"time"
)

func lrc(lines ...string) string {
	return strings.Join(lines, "\n")
}

var validLRC = lrc(
	"[ar:Someone]",
	"[00:01.00] one",
	"[00:02.50] two",
	"[00:03.75] three",
	"[00:10.123] four",
	"[01:00.00] five",
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"valid with metadata tags", validLRC, true},
		{"empty", "   ", false},
		{"plain text", "one\ntwo\nthree\nfour\nfive", false},
		{"too few timed lines", lrc("[00:01.00] a", "[00:02.00] b", "[00:03.00] c", "[00:04.00] d"), false},
		{"seconds out of range", lrc("[00:01.00] a", "[00:02.00] b", "[00:60.00] c", "[01:04.00] d", "[01:05.00] e"), false},
		{"equal timestamps", lrc("[00:01.00] a", "[00:02.00] b", "[00:02.00] c", "[00:04.00] d", "[00:05.00] e"), false},
		{"decreasing", lrc("[00:01.00] a", "[00:03.00] b", "[00:02.00] c", "[00:04.00] d", "[00:05.00] e"), false},
		// .10 is 100ms and .050 is 50ms, so the second line is earlier.
		{"centiseconds vs millis", lrc("[00:01.10] a", "[00:01.050] b", "[00:02.00] c", "[00:03.00] d", "[00:04.00] e"), false},
		{"crlf line endings", strings.ReplaceAll(validLRC, "\n", "\r\n"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.text); got != tt.want {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "[00:00.00]"},
		{1500 * time.Millisecond, "[00:01.50]"},
		{61*time.Second + 239*time.Millisecond, "[01:01.23]"},
		{-time.Second, "[00:00.00]"},
	}
	for _, c := range cases {
		if got := FormatTimestamp(c.in); got != c.want {
			t.Fatalf("FormatTimestamp(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	if got := CleanTitle("Song (feat. Other) [Feat Someone]"); got != "Song" {
		t.Fatalf("CleanTitle = %q", got)
	}
	if got := CleanTitle("Plain"); got != "Plain" {
		t.Fatalf("CleanTitle = %q", got)
	}
}
