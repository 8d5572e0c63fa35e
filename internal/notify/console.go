package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/kilupskalvis/nestsync/internal/models"
)

// ConsoleNotifier prints notifications as colored lines for CLI use.
type ConsoleNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleNotifier writes to out, usually os.Stderr.
func NewConsoleNotifier(out io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{out: out}
}

// Notify prints "title: message" with a severity color.
func (c *ConsoleNotifier) Notify(n models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var col *color.Color
	switch n.Severity {
	case models.NotifySuccess:
		col = color.New(color.FgGreen)
	case models.NotifyWarning:
		col = color.New(color.FgYellow)
	case models.NotifyError:
		col = color.New(color.FgRed)
	default:
		col = color.New(color.FgCyan)
	}
	col.Fprintf(c.out, "%s", n.Title)
	fmt.Fprintf(c.out, ": %s\n", n.Message)
}
