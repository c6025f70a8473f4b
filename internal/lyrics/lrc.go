// Package lyrics finds and validates time-synchronized lyrics.
package lyrics

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MinTimedLines is the fewest timestamped lines a synced text may carry.
const MinTimedLines = 5

var timestampPattern = regexp.MustCompile(`^\s*\[(\d+):(\d{2})\.(\d{2,3})\]`)

// Validate reports whether text is usable LRC: at least MinTimedLines lines
// start with [mm:ss.xx] or [mm:ss.xxx], and their timestamps strictly
// increase. Lines without a timestamp are ignored.
func Validate(text string) bool {
	return validate(text, MinTimedLines)
}

func validate(text string, minLines int) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	var stamps []time.Duration
	for _, line := range strings.Split(text, "\n") {
		m := timestampPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		minutes, _ := strconv.Atoi(m[1])
		seconds, _ := strconv.Atoi(m[2])
		if seconds >= 60 {
			return false
		}
		frac, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			frac *= 10 // centiseconds
		}
		stamps = append(stamps, time.Duration(minutes)*time.Minute+
			time.Duration(seconds)*time.Second+
			time.Duration(frac)*time.Millisecond)
	}

	if len(stamps) < minLines {
		return false
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			return false
		}
	}
	return true
}

// FormatTimestamp renders d as an LRC tag with centisecond precision.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	cs := d.Milliseconds() / 10
	return fmt.Sprintf("[%02d:%02d.%02d]", cs/6000, (cs/100)%60, cs%100)
}

var (
	featPattern   = regexp.MustCompile(`(?i)[\(\[]feat\.?.*?[\)\]]`)
	emptyParens   = regexp.MustCompile(`\(\s*\)`)
	codeFenceLine = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")
)

// CleanTitle strips featuring credits that hurt database lookups.
func CleanTitle(title string) string {
	title = featPattern.ReplaceAllString(title, "")
	title = emptyParens.ReplaceAllString(title, "")
	return strings.TrimSpace(title)
}

// stripFences removes markdown code fences a model may wrap output in.
func stripFences(text string) string {
	return strings.TrimSpace(codeFenceLine.ReplaceAllString(text, ""))
}
