package console

import (
	"fmt"

	"github.com/fatih/color"
)

// Available ANSI colors
var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Bold   = color.New(color.Bold).SprintFunc()
)

// Status colors a sensor status: green when ok, yellow when busy, red otherwise.
func Status(s fmt.Stringer) string {
	switch s.String() {
	case "ok":
		return Green(s.String())
	case "busy":
		return Yellow(s.String())
	default:
		return Red(s.String())
	}
}
