package coordinator

import "fmt"

// units is the byte-magnitude ladder Human climbs through, matching the
// "MB/s"-class formatting the teacher's progress bar templates use.
var units = []string{"B", "KB", "MB", "GB", "TB"}

// Human formats a bytes/second rate with roughly 3 significant digits and a
// "/s" unit, e.g. 1_234_000 -> "1.23 MB/s". Zero formats as "0 B/s".
func Human(bytesPerSecond int64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	value := float64(bytesPerSecond)
	unit := 0
	for value >= 1000 && unit < len(units)-1 {
		value /= 1000
		unit++
	}
	switch {
	case value >= 100:
		return fmt.Sprintf("%.0f %s/s", value, units[unit])
	case value >= 10:
		return fmt.Sprintf("%.1f %s/s", value, units[unit])
	default:
		return fmt.Sprintf("%.2f %s/s", value, units[unit])
	}
}
