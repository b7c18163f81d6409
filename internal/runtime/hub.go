package runtime

import (
	"github.com/hearth-dev/hearth/internal/fetch"
	"github.com/hearth-dev/hearth/internal/gossip"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
)

// Command is a message into the reactor.
type Command struct {
	// GossipFrom delivers a raw gossip-stream message from a peer.
	GossipFrom *gossip.Peer
	GossipRaw  []byte

	// FetchDone reports a completed fetch job.
	FetchDone *FetchOutcome

	// WorkerFailed reports a fetch job that panicked; the worker
	// recovers and takes the next job, and the reactor logs it.
	WorkerFailed *WorkerFailure
}

// FetchOutcome is a finished fetch job's result.
type FetchOutcome struct {
	RID    identity.RID
	From   nid.PublicKey
	Result *fetch.Result
	Err    error
	// Notify receives the outcome when the job came from the control
	// socket; nil for gossip-triggered fetches.
	Notify chan *FetchOutcome
}

// WorkerFailure converts a worker panic into a message instead of a
// process crash.
type WorkerFailure struct {
	ID     int
	Reason string
}

// FetchJob is a queued replication request.
type FetchJob struct {
	RID    identity.RID
	From   nid.PublicKey
	Notify chan *FetchOutcome
}

// Hub owns both channel sets between the reactor and its workers.
// Subsystems hold only the typed endpoints they need, so no reference
// cycle exists between the reactor, the sessions, and the worker pool.
type Hub struct {
	// Commands feeds the reactor; everything that happens in the node
	// funnels through here in arrival order.
	Commands chan Command
	// FetchJobs feeds the bounded worker pool.
	FetchJobs chan FetchJob
}

// NewHub sizes the channel sets. The command buffer absorbs bursts from
// many sessions; the job buffer bounds the fetch backlog.
func NewHub() *Hub {
	return &Hub{
		Commands:  make(chan Command, 256),
		FetchJobs: make(chan FetchJob, 64),
	}
}
