package capture

import (
	"context"
	"os"
	"strings"
)

// PermissionChecker reports whether microphone capture is allowed.
type PermissionChecker interface {
	Granted(ctx context.Context) bool
}

type AlwaysGranted struct{}

func (AlwaysGranted) Granted(context.Context) bool { return true }

// FilePermission grants access while Path exists and does not contain
// "denied". Headless hosts use it to toggle dictation from outside.
type FilePermission struct {
	Path string
}

func (p FilePermission) Granted(context.Context) bool {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(string(data)), "denied")
}

// NewPermissionChecker returns FilePermission when path is set.
func NewPermissionChecker(path string) PermissionChecker {
	if strings.TrimSpace(path) == "" {
		return AlwaysGranted{}
	}
	return FilePermission{Path: path}
}
