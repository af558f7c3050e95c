package toolkit

import (
	"regexp"
	"strconv"
	"strings"
)

// Progress is one parsed yt-dlp progress report.
type Progress struct {
	Percent         float64
	TotalBytes      int64
	DownloadedBytes int64
	SpeedBytesSec   float64
	ETASeconds      int
	Finished        bool
}

// Example yt-dlp line: [download]  45.3% of 3.33MiB at 512.34KiB/s ETA 00:12
var (
	progressRe      = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%\s+of\s+~?\s*([0-9.]+[KMGT]i?B)(?:\s+at\s+([0-9.]+[KMGT]i?B)/s)?(?:.*?ETA\s+([0-9:]{2,8}))?`)
	simplePercentRe = regexp.MustCompile(`(?i)\[download\]\s+([0-9.]+)%`)
	finishedRe      = regexp.MustCompile(`(?i)\[download\]\s+100%`)
)

// ParseProgressLine extracts progress from one output line. The boolean is
// false for lines that carry no progress information.
func ParseProgressLine(line string) (Progress, bool) {
	if m := progressRe.FindStringSubmatch(line); len(m) == 5 {
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil || percent < 0 || percent > 100 {
			return Progress{}, false
		}
		p := Progress{Percent: percent}
		if total := parseSize(m[2]); total > 0 {
			p.TotalBytes = total
			p.DownloadedBytes = int64(percent / 100 * float64(total))
		}
		if m[3] != "" {
			p.SpeedBytesSec = float64(parseSize(m[3]))
		}
		if m[4] != "" {
			p.ETASeconds = parseETA(m[4])
		}
		p.Finished = finishedRe.MatchString(line)
		return p, true
	}
	if m := simplePercentRe.FindStringSubmatch(line); len(m) == 2 {
		percent, err := strconv.ParseFloat(m[1], 64)
		if err != nil || percent < 0 || percent > 100 {
			return Progress{}, false
		}
		return Progress{Percent: percent, Finished: finishedRe.MatchString(line)}, true
	}
	return Progress{}, false
}

// parseSize converts "3.33MiB" style sizes to bytes.
func parseSize(s string) int64 {
	s = strings.TrimSpace(s)
	multiplier := int64(1)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "KIB"), strings.HasSuffix(upper, "KB"):
		multiplier = 1024
	case strings.HasSuffix(upper, "MIB"), strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
	case strings.HasSuffix(upper, "GIB"), strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
	case strings.HasSuffix(upper, "TIB"), strings.HasSuffix(upper, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
	}
	numeric := strings.TrimRight(s, "KMGTiBkmgtib")
	value, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0
	}
	return int64(value * float64(multiplier))
}

// parseETA parses HH:MM:SS or MM:SS into seconds; -1 on malformed input.
func parseETA(etaStr string) int {
	parts := strings.Split(etaStr, ":")
	nums := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return -1
		}
		nums[i] = n
	}
	switch len(nums) {
	case 2:
		return nums[0]*60 + nums[1]
	case 3:
		return nums[0]*3600 + nums[1]*60 + nums[2]
	}
	return -1
}
