package runtime

import (
	"net"
	"os"
)

// sdNotify sends one sd_notify state string ("READY=1", "STOPPING=1",
// "WATCHDOG=1") to the service manager, if NOTIFY_SOCKET is set. The
// protocol is a single datagram on a unix socket; silently a no-op
// outside systemd.
func sdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(state))
}
