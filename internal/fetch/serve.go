package fetch

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/policy"
	"github.com/hearth-dev/hearth/internal/storage"
	"github.com/hearth-dev/hearth/internal/transport"
)

// packChunkSize bounds one packfile chunk message.
const packChunkSize = 64 << 10

// Server answers fetch exchanges out of local storage, subject to the
// local seeding policy.
type Server struct {
	Storage *storage.Storage
	Policy  *policy.Engine
}

// Serve handles one fetch exchange on a stream, from handshake through
// packfile. Policy refusals are answered in-protocol; transport errors
// abort the stream.
func (s *Server) Serve(ctx context.Context, st *transport.Stream) error {
	defer st.Close()

	// Phase 1: handshake.
	msg, err := s.next(ctx, st, msgHandshake)
	if err != nil {
		return err
	}
	rid := msg.Handshake.RID
	if !s.Policy.IsSeeding(rid) || !s.Storage.Contains(rid) {
		_ = st.Send(ctx, EncodeHandshakeAck(HandshakeAck{Seeding: false}))
		return nil
	}
	repo, err := s.Storage.Repository(rid, storage.ReadOnly)
	if err != nil {
		_ = st.Send(ctx, EncodeError(string(errs.StorageError), "repository unavailable"))
		return err
	}
	if err := st.Send(ctx, EncodeHandshakeAck(HandshakeAck{Seeding: true})); err != nil {
		return err
	}

	// Phase 2: ls-refs with prefix filter.
	msg, err = s.next(ctx, st, msgLsRefs)
	if err != nil {
		return err
	}
	prefixes := msg.LsRefs.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"refs/namespaces/"}
	}
	var ads []RefAd
	for _, prefix := range prefixes {
		refs, refErr := repo.ReferencesUnder(prefix)
		if refErr != nil {
			_ = st.Send(ctx, EncodeError(string(errs.StorageError), "reference listing failed"))
			return refErr
		}
		for name, oid := range refs {
			ads = append(ads, RefAd{Name: name, OID: oid})
		}
	}
	sort.Slice(ads, func(i, j int) bool { return ads[i].Name < ads[j].Name })
	if err := st.Send(ctx, EncodeRefAd(ads)); err != nil {
		return err
	}

	// Phase 3: packfile for the requested objects.
	msg, err = s.next(ctx, st, msgWants)
	if err != nil {
		return err
	}
	if len(msg.Wants.Want) == 0 {
		return st.Send(ctx, EncodePackDone())
	}

	// Ignore only haves this repository actually contains; revlist
	// cannot walk from objects we do not have.
	var haves []plumbing.Hash
	for _, h := range msg.Wants.Have {
		if repo.HasObject(h) {
			haves = append(haves, h)
		}
	}
	objects, err := revlist.Objects(repo.Git().Storer, msg.Wants.Want, haves)
	if err != nil {
		_ = st.Send(ctx, EncodeError(string(errs.StorageError), "object walk failed"))
		return errs.Wrap(errs.StorageError, "revlist", err)
	}

	var pack bytes.Buffer
	encoder := packfile.NewEncoder(&pack, repo.Git().Storer, false)
	if _, err := encoder.Encode(objects, 10); err != nil {
		_ = st.Send(ctx, EncodeError(string(errs.StorageError), "packfile encoding failed"))
		return errs.Wrap(errs.StorageError, "encode packfile", err)
	}
	for pack.Len() > 0 {
		chunk := pack.Next(packChunkSize)
		if err := st.Send(ctx, EncodePackChunk(chunk)); err != nil {
			return err
		}
	}
	return st.Send(ctx, EncodePackDone())
}

// next receives and decodes the next message, requiring the given tag.
func (s *Server) next(ctx context.Context, st *transport.Stream, want byte) (*Decoded, error) {
	raw, err := st.Receive(ctx)
	if err != nil {
		if err == io.EOF {
			return nil, errs.New(errs.NetworkError, "peer ended fetch stream early")
		}
		return nil, err
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.Tag != want {
		return nil, errs.New(errs.ProtocolError, "unexpected fetch message order")
	}
	return msg, nil
}
