package resolve

import (
	"strings"
)

// HintFor derives the expected worker name for a launch. When the first
// argument names a script or executable path it is the better hint, as in
// `node ./server.js` or `cmd /c tool.exe`; otherwise the command itself is.
func HintFor(command string, args []string) string {
	if len(args) > 0 {
		first := args[0]
		if strings.HasSuffix(strings.ToLower(first), ".exe") || strings.ContainsAny(first, `/\`) {
			return first
		}
	}
	return command
}

// NormalizeHint reduces a hint to a lowercase base name without an .exe
// suffix, so paths from either platform match process names.
func NormalizeHint(hint string) string {
	hint = strings.TrimSpace(hint)
	if i := strings.LastIndexAny(hint, `/\`); i >= 0 {
		hint = hint[i+1:]
	}
	hint = strings.ToLower(hint)
	return strings.TrimSuffix(hint, ".exe")
}
