package exporter

import (
	"fmt"
	"strconv"
	"time"
)

// FormatValue renders a cell value the way it is written to TSV input files
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return formatInt(int64(val))
	case int64:
		return formatInt(val)
	case bool:
		return formatBool(val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatFloat uses the shortest representation that round-trips
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatInt formats an int64 value for TSV output
func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// formatBool formats a boolean value for TSV output
func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
