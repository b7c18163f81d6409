// Package control serves the node's local control socket: line-oriented
// JSON over a unix socket, one request envelope per line, used by
// operator tooling to inspect and drive the running node.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/fetch"
	"github.com/hearth-dev/hearth/internal/gossip"
	"github.com/hearth-dev/hearth/internal/identity"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/runtime"
)

// Recognized commands.
const (
	CmdStatus       = "status"
	CmdFetch        = "fetch"
	CmdSeeds        = "seeds"
	CmdConfig       = "config"
	CmdSessions     = "sessions"
	CmdAnnounceRefs = "announce-refs"
	CmdSubscribe    = "subscribe"
	CmdShutdown     = "shutdown"
)

// Request is the envelope every control command arrives in.
type Request struct {
	Cmd string          `json:"cmd"`
	Arg json.RawMessage `json:"arg,omitempty"`
}

// Response is the envelope every reply goes out in. Kind carries the
// stable error classification for machine consumers.
type Response struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
}

// FetchArg is the argument of the fetch command.
type FetchArg struct {
	RID  string `json:"rid"`
	From string `json:"from,omitempty"`
}

// StatusData answers the status command.
type StatusData struct {
	NID     string   `json:"nid"`
	Version string   `json:"version"`
	Listen  []string `json:"listen"`
	Uptime  string   `json:"uptime"`
}

// Server serves the control socket for one node.
type Server struct {
	Node    *runtime.Node
	Version string

	listener net.Listener
	wg       sync.WaitGroup
}

// Listen binds the unix socket, replacing any stale file left by a
// previous run.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.ConfigError, "remove stale control socket", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return errs.Wrap(errs.ConfigError, "bind control socket", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts control connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(errs.NetworkError, "control accept", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Ok: false, Error: "malformed request", Kind: string(errs.InputError)})
			continue
		}
		if req.Cmd == CmdSubscribe {
			s.streamEvents(ctx, conn, enc)
			return
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
		if req.Cmd == CmdShutdown {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case CmdStatus:
		return ok(StatusData{
			NID:     s.Node.NID().Did().String(),
			Version: s.Version,
			Listen:  s.Node.Config().Listen,
			Uptime:  s.Node.Uptime().Round(time.Second).String(),
		})
	case CmdConfig:
		return ok(s.Node.Config())
	case CmdSessions:
		return ok(s.Node.Sessions())
	case CmdSeeds:
		rid, err := ridArg(req.Arg)
		if err != nil {
			return fail(err)
		}
		seeds, err := s.Node.DB().SeedsFor(rid)
		if err != nil {
			return fail(err)
		}
		out := make([]map[string]string, 0, len(seeds))
		for _, seed := range seeds {
			out = append(out, map[string]string{
				"nid":       seed.Node.Did().String(),
				"last_seen": seed.LastSeen.UTC().Format(time.RFC3339),
			})
		}
		return ok(out)
	case CmdFetch:
		var arg FetchArg
		if err := json.Unmarshal(req.Arg, &arg); err != nil {
			return fail(errs.Input("fetch: malformed argument"))
		}
		rid, err := identity.ParseRID(arg.RID)
		if err != nil {
			return fail(errs.Input("fetch: %v", err))
		}
		var from nid.PublicKey
		if arg.From != "" {
			did, didErr := nid.DecodeDid(arg.From)
			if didErr != nil {
				return fail(errs.Input("fetch: %v", didErr))
			}
			from = did.AsKey()
		}
		result, err := s.Node.TriggerFetch(ctx, rid, from)
		if err != nil {
			return fail(err)
		}
		return ok(fetchSummary(result))
	case CmdAnnounceRefs:
		rid, err := ridArg(req.Arg)
		if err != nil {
			return fail(err)
		}
		if err := s.Node.AnnounceRefs(ctx, rid); err != nil {
			return fail(err)
		}
		return ok(true)
	case CmdShutdown:
		s.Node.Shutdown()
		return ok(true)
	default:
		return fail(errs.Input("unknown command %q", req.Cmd))
	}
}

// streamEvents turns the connection into an event feed until the client
// hangs up or the node stops.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn, enc *json.Encoder) {
	var events chan gossip.Event = s.Node.SubscribeEvents()
	defer s.Node.UnsubscribeEvents(events)

	type eventLine struct {
		Kind      string `json:"kind"`
		Origin    string `json:"origin"`
		Timestamp string `json:"timestamp"`
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			line := eventLine{
				Kind:      event.Kind,
				Origin:    event.Announcement.Origin.Did().String(),
				Timestamp: event.Announcement.Timestamp.UTC().Format(time.RFC3339),
			}
			if err := enc.Encode(line); err != nil {
				return
			}
		}
	}
}

func ridArg(raw json.RawMessage) (identity.RID, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return identity.RID{}, errs.Input("malformed rid argument")
	}
	rid, err := identity.ParseRID(str)
	if err != nil {
		return identity.RID{}, errs.Input("%v", err)
	}
	return rid, nil
}

// FetchSummary is the fetch command's reply shape.
type FetchSummary struct {
	Updated []string `json:"updated"`
	Synced  bool     `json:"synced"`
	Errors  []string `json:"errors,omitempty"`
}

func fetchSummary(result *fetch.Result) FetchSummary {
	out := FetchSummary{Synced: result.Synced}
	for _, update := range result.Updated {
		out.Updated = append(out.Updated, update.Name)
	}
	for _, err := range result.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func ok(data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(errs.New(errs.StorageError, "encode response"))
	}
	return Response{Ok: true, Data: raw}
}

func fail(err error) Response {
	var tagged *errs.Error
	kind := string(errs.InputError)
	if errors.As(err, &tagged) {
		kind = tagged.Kind()
	}
	// Policy and input rejections are the caller's business, not log
	// noise.
	if kind != string(errs.PolicyError) && kind != string(errs.InputError) {
		slog.Debug("control command failed", "kind", kind, "error", err)
	}
	return Response{Ok: false, Error: err.Error(), Kind: kind}
}
