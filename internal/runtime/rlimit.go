package runtime

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// raiseFileLimit lifts the soft open-file limit to the hard limit, so
// many concurrent sessions (each a socket plus packfile staging) do not
// exhaust descriptors on conservative defaults.
func raiseFileLimit() {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		slog.Debug("getrlimit failed", "error", err)
		return
	}
	if limit.Cur >= limit.Max {
		return
	}
	limit.Cur = limit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		slog.Debug("setrlimit failed", "error", err)
		return
	}
	slog.Debug("raised open-file limit", "limit", limit.Cur)
}
