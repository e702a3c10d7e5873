package report

import (
	"strconv"
	"strings"

	"github.com/mklimuk/sensornode"
)

// Parse splits a payload back into fields. Numeric values come back as
// Integer fields holding the wire value; fixed-point scaling is not undone.
// A "key:" token starts a label that takes the following bare words, so a
// label is only unambiguous as the last family in a report.
func Parse(payload []byte) []sensornode.Field {
	var fields []sensornode.Field
	label := -1
	for _, tok := range strings.Fields(string(payload)) {
		key, value, hasColon := strings.Cut(tok, ":")
		switch {
		case hasColon && value == "":
			fields = append(fields, sensornode.LabelField(key, ""))
			label = len(fields) - 1
			continue
		case hasColon:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				fields = append(fields, sensornode.Int(key, n))
			} else {
				fields = append(fields, sensornode.LabelField(key, value))
			}
		case label >= 0:
			if fields[label].Text != "" {
				fields[label].Text += " "
			}
			fields[label].Text += tok
			continue
		default:
			fields = append(fields, sensornode.TagField(tok))
		}
		label = -1
	}
	return fields
}
