// Package sdnotify speaks the systemd readiness protocol over the
// NOTIFY_SOCKET datagram socket. Outside systemd the socket is unset
// and every call is a no-op, so the daemon runs identically under a
// debugger or in a container.
package sdnotify

import (
	"net"
	"os"
	"strings"
)

// Ready reports startup complete. Type=notify units stay "activating"
// until this arrives.
func Ready() error { return send("READY=1") }

// Watchdog pets the watchdog timer. Callers should send it at least
// twice per WatchdogSec.
func Watchdog() error { return send("WATCHDOG=1") }

// Stopping reports the start of a clean shutdown.
func Stopping() error { return send("STOPPING=1") }

func send(state string) error {
	target := os.Getenv("NOTIFY_SOCKET")
	if target == "" {
		return nil
	}
	// A leading "@" names an abstract-namespace socket.
	if strings.HasPrefix(target, "@") {
		target = "\x00" + target[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: target, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
