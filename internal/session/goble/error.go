package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blelink/internal/session"
)

// NormalizeError maps known go-ble error strings to structured SessionError
// kinds. It ensures consistent handling even if the upstream library changes
// messages slightly. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", session.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", session.ErrNotConnected, err)
	case containsIgnoreCase(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", session.ErrConnectTimeout, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
