// Package channels delivers the scheduler's outbound messages to the
// user and feeds observed user turns back onto the bus, where they
// drive the recent-activity gates.
package channels

import (
	"context"
	"strings"

	"github.com/dotsetgreg/presenced/pkg/bus"
)

// Channel is one delivery surface. presenced ships Discord; the console
// channel in cmd implements the same interface for local use.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, msg bus.ProactiveMessage) error
	IsRunning() bool
}

// allowlist matches sender IDs against the configured allow_from set.
// Entries may be raw IDs, usernames, or "@username"; an empty list
// allows everyone.
type allowlist []string

func (a allowlist) allows(senderID, username string) bool {
	if len(a) == 0 {
		return true
	}
	for _, entry := range a {
		candidate := strings.TrimSpace(strings.TrimPrefix(entry, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || (username != "" && candidate == username) {
			return true
		}
	}
	return false
}
