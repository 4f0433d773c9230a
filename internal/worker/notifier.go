package worker

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// osNotifier shells an OS-native notification binary, the same
// exec.CommandContext idiom used to launch the player backends.
type osNotifier struct{}

// NewOSNotifier returns a Notifier backed by notify-send (Linux),
// osascript (macOS), or termux-notification (Android/Termux).
func NewOSNotifier() Notifier {
	return &osNotifier{}
}

func (osNotifier) Notify(ctx context.Context, title, message string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	case "linux", "android":
		if _, err := exec.LookPath("termux-notification"); err == nil {
			cmd = exec.CommandContext(ctx, "termux-notification", "--title", title, "--content", message)
		} else {
			cmd = exec.CommandContext(ctx, "notify-send", title, message)
		}
	default:
		return fmt.Errorf("worker: desktop notifications unsupported on %s", runtime.GOOS)
	}
	return cmd.Run()
}
