package ipc

import "path/filepath"

// SocketPath is the per-account unix socket location under the socket dir.
func SocketPath(dir, accountID string) string {
	return filepath.Join(dir, "qtrader_"+accountID+".sock")
}

// PIDPath is the per-account pid file location under the socket dir.
func PIDPath(dir, accountID string) string {
	return filepath.Join(dir, "qtrader_"+accountID+".pid")
}
