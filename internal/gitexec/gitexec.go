// Package gitexec shells out to the git binary for the few maintenance
// operations the object-database library does not cover (pruning
// unreachable objects, repacking). Everything on the hot path goes
// through go-git; this wrapper exists for porcelain-grade housekeeping
// only.
package gitexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner runs git commands against a single repository directory.
type Runner struct {
	dir string
}

// New returns a Runner bound to the given repository directory.
func New(dir string) *Runner {
	return &Runner{dir: dir}
}

// Run executes `git <args...>` in the runner's directory and returns
// trimmed stdout. Stderr is folded into the error on failure.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("gitexec: git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// PruneUnreachable removes loose unreachable objects older than expiry.
// Used by the deferred GC pass after fetches; the expiry window tolerates
// overlapping fetches whose packfiles are still protected by keep markers.
func (r *Runner) PruneUnreachable(ctx context.Context, expiry time.Duration) error {
	_, err := r.Run(ctx, "prune", fmt.Sprintf("--expire=%d.seconds.ago", int(expiry.Seconds())))
	return err
}

// Repack consolidates loose objects into a pack.
func (r *Runner) Repack(ctx context.Context) error {
	_, err := r.Run(ctx, "repack", "-d", "-q")
	return err
}
