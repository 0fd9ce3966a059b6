package transcoder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProgressParser extracts timing information from encoder text output.
type ProgressParser interface {
	// Duration returns the total media duration announced on a probe line.
	Duration(line string) (time.Duration, bool)
	// OutTime returns the encoded position reported on a progress line.
	OutTime(line string) (time.Duration, bool)
}

var (
	durationPattern = regexp.MustCompile(`Duration: (\d+:\d+:\d+\.\d+)`)
	clockPattern    = regexp.MustCompile(`^(\d+):(\d+):(\d+\.?\d*)$`)
)

const outTimeKey = "out_time="

// FFmpegParser understands ffmpeg's diagnostic output and the key=value
// stream written by -progress.
type FFmpegParser struct{}

// Duration implements ProgressParser.
func (FFmpegParser) Duration(line string) (time.Duration, bool) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return ParseClock(m[1])
}

// OutTime implements ProgressParser.
func (FFmpegParser) OutTime(line string) (time.Duration, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, outTimeKey) {
		return 0, false
	}
	return ParseClock(strings.TrimPrefix(line, outTimeKey))
}

// ParseClock parses HH:MM:SS[.frac]. Negative or malformed values are
// rejected; ffmpeg prints "N/A" before the first frame is written.
func ParseClock(s string) (time.Duration, bool) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, true
}

// FormatClock renders a duration as HH:MM:SS.cc.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	cs := d.Milliseconds() / 10
	return fmt.Sprintf("%02d:%02d:%02d.%02d", cs/360000, cs/6000%60, cs/100%60, cs%100)
}

// EncodePercent maps the encoded position onto the 5..90 band reserved for
// the external encoder. It returns 0 when the total duration is unknown.
func EncodePercent(current, total time.Duration) int {
	totalMs := total.Milliseconds()
	if totalMs <= 0 {
		return 0
	}
	currentMs := current.Milliseconds()
	if currentMs < 0 {
		currentMs = 0
	}
	return int(min(90, 5+currentMs*85/totalMs))
}

// FramePercent maps a frame count onto the 40..90 band used by the library
// encoder. It returns 40 when the total is unknown.
func FramePercent(frames, total int64) int {
	if total <= 0 {
		return 40
	}
	return int(max(40, min(90, 40+frames*50/total)))
}
