package progress

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

var byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders n with a 1024 base and at most two decimals: "1.5 KB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(byteUnits) {
		i = len(byteUnits) - 1
	}
	v := math.Round(float64(n)/math.Pow(1024, float64(i))*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + byteUnits[i]
}

// FormatRemaining renders d rounded to whole seconds: "45s", "2m 5s".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	total := int64(math.Round(d.Seconds()))
	m, s := total/60, total%60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// PercentReduction returns max(0, (1 - compressed/original) * 100).
func PercentReduction(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return math.Max(0, (1-float64(compressed)/float64(original))*100)
}
