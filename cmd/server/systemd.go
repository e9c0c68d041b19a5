package main

import (
	"net"
	"os"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

var errNoNotifySocket = xerrors.New("NOTIFY_SOCKET not set")

// sdNotify sends state to systemd when the unit is Type=notify. Outside
// systemd it returns errNoNotifySocket.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errNoNotifySocket
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial systemd notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return xerrors.Wrapf(err, "send %s to systemd", state)
	}
	return nil
}
