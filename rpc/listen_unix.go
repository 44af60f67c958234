//go:build !windows

package rpc

import (
	"context"
	"net"

	"github.com/pithecene-io/kiln/iox"
)

func listen(path string) (net.Listener, error) {
	if !IsAbstract(path) {
		if err := iox.RemoveIfExists(path); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// Server.Close removes the file after the listener is closed.
		ul.SetUnlinkOnClose(false)
	}
	return ln, nil
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// removeSocket deletes a filesystem socket. Missing files are not an error.
func removeSocket(path string) error {
	if IsAbstract(path) {
		return nil
	}
	return iox.RemoveIfExists(path)
}
