package render

import (
	"regexp"
	"strconv"
	"time"
)

// timecodeRe matches the time=HH:MM:SS.cc marker ffmpeg prints on its stderr
// status lines.
var timecodeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseTimecode extracts the encoded-media position, in seconds, from one
// stderr line. Returns false when the line carries no time marker.
func ParseTimecode(line string) (float64, bool) {
	m := timecodeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, err1 := strconv.Atoi(m[1])
	mins, err2 := strconv.Atoi(m[2])
	secs, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(hours)*3600 + float64(mins)*60 + secs, true
}

// ProgressPercent converts an encoded position into a 0–99 percentage.
// 100 is reserved for a successful exit; a running process never reports it.
func ProgressPercent(currentSec, totalSec float64) int {
	if totalSec <= 0 || currentSec <= 0 {
		return 0
	}
	pct := int(currentSec / totalSec * 100)
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// etaMinPercent is the progress floor below which no ETA is produced; early
// extrapolations swing too wildly to be worth showing.
const etaMinPercent = 5

// EstimateETA extrapolates the remaining wall-clock seconds from the
// encoding rate so far. ok is false until progress passes etaMinPercent.
func EstimateETA(elapsed time.Duration, currentSec, totalSec float64) (int, bool) {
	if totalSec <= 0 || currentSec <= 0 {
		return 0, false
	}
	if ProgressPercent(currentSec, totalSec) < etaMinPercent {
		return 0, false
	}
	remaining := totalSec - currentSec
	if remaining <= 0 {
		return 0, true
	}
	rate := elapsed.Seconds() / currentSec
	eta := int(rate*remaining + 0.5)
	if eta < 0 {
		eta = 0
	}
	return eta, true
}
