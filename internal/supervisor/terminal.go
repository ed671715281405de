package supervisor

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/chatbridge/relay/errors"
)

// openTerminalWindow asks the host terminal emulator to open a window
// running the given shell command. macOS only: it shells out to osascript
// targeting Terminal.app or iTerm2 by name. The resulting runner is not a
// direct descendant, so the caller records pid 0.
func openTerminalWindow(app, shellCommand string) error {
	if runtime.GOOS != "darwin" {
		return errors.New(errors.ErrCodeTerminalControl, "terminal-attached launch requires macOS")
	}

	var script string
	switch app {
	case "iTerm2":
		script = fmt.Sprintf(`tell application "iTerm2"
	activate
	create window with default profile command %q
end tell`, shellCommand)
	default:
		script = fmt.Sprintf(`tell application "Terminal"
	activate
	do script %q
end tell`, shellCommand)
	}

	cmd := exec.Command("osascript", "-e", script)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrap(err, errors.ErrCodeTerminalControl, "osascript failed").
			WithDetail("output", strings.TrimSpace(string(output)))
	}
	return nil
}

// shellQuote renders a command line safe for embedding in the osascript
// payload.
func shellQuote(parts []string) string {
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
