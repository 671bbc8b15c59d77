package logging

import "github.com/fatih/color"

// Per-level coloring, applied to the "LEVEL/tag[file:line]" prefix of each
// log line. fatih/color handles NO_COLOR / non-tty detection for us.
var levelColors = map[Level]*color.Color{
	Error: color.New(color.FgRed, color.Bold),
	Warn:  color.New(color.FgYellow),
	Info:  color.New(color.FgGreen),
	Debug: color.New(color.FgCyan),
}

var defaultLevelColor = color.New(color.FgWhite)

func (l Level) colorFunc() func(format string, a ...interface{}) string {
	if c, ok := levelColors[l]; ok {
		return c.SprintfFunc()
	}
	return defaultLevelColor.SprintfFunc()
}
