// Package portutil allocates free TCP ports for backend proxies.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for a free TCP port and returns it. The listener
// is closed before returning, so the port can be handed to a child process.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}
