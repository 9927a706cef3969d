//go:build !linux

package writeback

import "github.com/marmos91/vfsinit/internal/logger"

// hostSync is a no-op outside Linux.
func hostSync() error {
	logger.Debug("Host sync not supported on this platform")
	return nil
}
