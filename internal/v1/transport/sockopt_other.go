//go:build !linux

package transport

import "net"

func setNotSentLowat(_ *net.TCPConn, _ int) error {
	return nil
}
