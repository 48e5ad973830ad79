// +build linux netbsd

package main

import (
	"errors"
	"net"
	"os"
	"syscall"
)

func retryIfStaleUnixSocket(listenErr error, pathname string) (net.Listener, error) {
	if !errors.Is(listenErr, syscall.EADDRINUSE) {
		return nil, listenErr
	}
	if _, err := net.Dial("unix", pathname); errors.Is(err, syscall.ECONNREFUSED) {
		_ = os.Remove(pathname)
	}
	return net.Listen("unix", pathname)
}
