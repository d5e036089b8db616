package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const desktopTimeout = 5 * time.Second

// DesktopNotifier sends desktop notifications through osascript or notify-send
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + appleScriptEscape(n.Message) +
			`" with title "` + appleScriptEscape(n.Title) + `"`
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		return exec.CommandContext(ctx, "notify-send", "-i", IconForType(n.Type), n.Title, n.Message).Run()
	default:
		return nil // Unsupported
	}
}

func appleScriptEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
