package relay

import (
	"fmt"
	"strings"
)

// UnknownValue is the sentinel for a missing device id or activity label.
const UnknownValue = "UNKNOWN"

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Identity derives the dedup key device + "_" + timestamp.
// Records missing both fields all map to "UNKNOWN_". Line breaks become
// spaces so the key fits on one ledger line.
func Identity(rec RawRecord) string {
	ts := firstString(rec, FieldDeviceTimestamp, FieldTimestamp)
	device := firstString(rec, FieldUserID, FieldDeviceID)
	if device == "" {
		device = UnknownValue
	}
	return lineBreaks.Replace(device + "_" + ts)
}

// firstString returns the first non-empty value among keys, as text.
func firstString(rec RawRecord, keys ...string) string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			return s
		}
	}
	return ""
}
