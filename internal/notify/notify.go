// Package notify abstracts the user-visible notification surface. In the web
// client these are toasts; here anything that can show a one-line message to
// the user satisfies the interface.
package notify

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Notifier receives transient, user-visible messages.
type Notifier interface {
	Success(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LogNotifier routes notifications through a charmbracelet logger.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier wraps l; a nil logger falls back to the package default.
func NewLogNotifier(l *log.Logger) *LogNotifier {
	if l == nil {
		l = log.Default()
	}
	return &LogNotifier{logger: l}
}

func (n *LogNotifier) Success(format string, args ...any) {
	n.logger.Info(fmt.Sprintf(format, args...))
}

func (n *LogNotifier) Warn(format string, args ...any) {
	n.logger.Warn(fmt.Sprintf(format, args...))
}

func (n *LogNotifier) Error(format string, args ...any) {
	n.logger.Error(fmt.Sprintf(format, args...))
}

// Discard drops every notification. Useful in tests.
type Discard struct{}

func (Discard) Success(string, ...any) {}
func (Discard) Warn(string, ...any)    {}
func (Discard) Error(string, ...any)   {}
