package sqlgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuoteName double-quotes an identifier. Both supported dialects accept
// standard double-quoted identifiers (QUOTED_IDENTIFIER is on by default
// on SQL Server).
func QuoteName(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteValue renders a Go value as a SQL literal for the given dialect.
func QuoteValue(d Dialect, v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		quoted := "'" + strings.ReplaceAll(val, "'", "''") + "'"
		if d == DialectTSQL {
			// N-prefix so non-ASCII survives the nvarchar round trip.
			return "N" + quoted
		}
		return quoted
	case bool:
		if d == DialectTSQL {
			if val {
				return "1"
			}
			return "0"
		}
		if val {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "'" + val.UTC().Format("2006-01-02 15:04:05.000000") + "'"
	case []byte:
		// rowversion and binary watermarks compare as hex literals.
		return "0x" + strings.ToUpper(fmt.Sprintf("%x", val))
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", val), "'", "''") + "'"
	}
}
