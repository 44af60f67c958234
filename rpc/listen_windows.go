//go:build windows

package rpc

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}

// removeSocket is a no-op: named pipes vanish with their last handle.
func removeSocket(string) error {
	return nil
}
