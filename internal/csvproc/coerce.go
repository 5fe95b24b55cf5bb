package csvproc

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var numberPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// Accepted in order; the first layout that parses wins.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce maps a raw CSV field onto the richest type that round-trips
// losslessly: decimal number, then timestamp, then boolean, then the raw
// string. Empty fields stay empty strings.
//
// Numbers go through shopspring/decimal and come back out as json.Number so
// "99.90" is neither float-mangled nor re-quoted when the row is marshalled.
func Coerce(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if numberPattern.MatchString(s) {
		if d, err := decimal.NewFromString(s); err == nil {
			return json.Number(d.String())
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if strings.EqualFold(s, "true") {
		return true
	}
	if strings.EqualFold(s, "false") {
		return false
	}
	return raw
}
