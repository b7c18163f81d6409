// Package cob implements the collaborative-object engine: a
// content-addressed DAG of signed change entries stored as Git commits,
// evaluated deterministically into application state by a
// payload-specific accumulator. The engine is payload-agnostic; issue or
// patch schemas are callers' business.
package cob

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/hearth-dev/hearth/internal/clock"
	"github.com/hearth-dev/hearth/internal/errs"
	"github.com/hearth-dev/hearth/internal/multibase"
	"github.com/hearth-dev/hearth/internal/nid"
	"github.com/hearth-dev/hearth/internal/storage"
)

// TypeName identifies a collaborative object kind, reverse-DNS style
// ("dev.hearth.issue"). The engine treats it as opaque beyond syntax.
type TypeName string

var typeNamePattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9-]+)+$`)

// Validate checks the type name's syntax. Type names become reference
// path components, so the accepted alphabet is deliberately narrow.
func (t TypeName) Validate() error {
	if !typeNamePattern.MatchString(string(t)) {
		return errs.New(errs.InputError, fmt.Sprintf("invalid type name %q", t))
	}
	return nil
}

// ObjectID identifies one collaborative object: the commit id of its
// root change entry.
type ObjectID = plumbing.Hash

// Change is one decoded change entry: a node in an object's DAG.
type Change struct {
	// ID is the commit id of the entry.
	ID plumbing.Hash
	// Type is the object type the entry belongs to.
	Type TypeName
	// Parents are the DAG edges to prior entries.
	Parents []plumbing.Hash
	// Actions are the opaque payload operations, in author order.
	Actions [][]byte
	// Clock is the author's Lamport timestamp for the entry.
	Clock clock.Lamport
	// Author is the signing node.
	Author nid.PublicKey
	// Resource is the identity commit the root entry anchors to; zero on
	// non-root entries.
	Resource plumbing.Hash
	// Signature is the author's signature over the entry's signing
	// payload.
	Signature []byte
}

// Commit message trailers carrying the change metadata. The commit's own
// parent list carries the DAG edges; the tree carries the action blobs.
const (
	trailerType      = "Hearth-Cob-Type"
	trailerClock     = "Hearth-Cob-Clock"
	trailerAuthor    = "Hearth-Cob-Author"
	trailerResource  = "Hearth-Cob-Resource"
	trailerSignature = "Hearth-Cob-Signature"
)

// actionFile names the i-th action blob within a change's tree. The
// zero-padded index keeps git's tree ordering equal to author ordering.
func actionFile(i int) string {
	return fmt.Sprintf("action-%04d", i)
}

// signingPayload is the byte string an author signs: every field that
// identifies the change, length-delimited and in fixed order, so two
// changes differing in any field never share a signature.
func signingPayload(t TypeName, parents []plumbing.Hash, actions [][]byte, lamport clock.Lamport, author nid.PublicKey, resource plumbing.Hash) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "type %s\n", t)
	fmt.Fprintf(&buf, "clock %d\n", lamport)
	fmt.Fprintf(&buf, "author %s\n", author.Did())
	if resource != plumbing.ZeroHash {
		fmt.Fprintf(&buf, "resource %s\n", resource)
	}
	for _, parent := range parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	for _, action := range actions {
		fmt.Fprintf(&buf, "action %d\n", len(action))
		buf.Write(action)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Verify recomputes the signing payload and checks the change's
// signature against its author.
func (c *Change) Verify() bool {
	payload := signingPayload(c.Type, c.Parents, c.Actions, c.Clock, c.Author, c.Resource)
	return c.Author.Verify(payload, c.Signature)
}

// writeChange persists a change entry as a commit and returns its id.
func writeChange(repo *storage.Repository, t TypeName, parents []plumbing.Hash, actions [][]byte, lamport clock.Lamport, signer nid.Signer, resource plumbing.Hash) (plumbing.Hash, error) {
	if len(actions) == 0 {
		return plumbing.ZeroHash, errs.New(errs.InputError, "a change entry needs at least one action")
	}
	payload := signingPayload(t, parents, actions, lamport, signer.PublicKey(), resource)
	signature, err := signer.Sign(payload)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.StorageError, "sign change", err)
	}

	blobs := make(map[string]plumbing.Hash, len(actions))
	for i, action := range actions {
		blob, blobErr := repo.WriteBlob(action)
		if blobErr != nil {
			return plumbing.ZeroHash, blobErr
		}
		blobs[actionFile(i)] = blob
	}
	tree, err := repo.WriteTree(blobs)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "%s\n\n", t)
	fmt.Fprintf(&msg, "%s: %s\n", trailerType, t)
	fmt.Fprintf(&msg, "%s: %d\n", trailerClock, lamport)
	fmt.Fprintf(&msg, "%s: %s\n", trailerAuthor, signer.PublicKey().Did())
	if resource != plumbing.ZeroHash {
		fmt.Fprintf(&msg, "%s: %s\n", trailerResource, resource)
	}
	fmt.Fprintf(&msg, "%s: %s\n", trailerSignature, multibase.Encode(signature))

	return repo.WriteCommit(tree, parents, msg.String())
}

// readChange loads and decodes a change entry. Structural problems
// (missing trailers, malformed values) are verification errors; the
// caller decides whether they prune a subtree or abort an operation.
func readChange(repo *storage.Repository, id plumbing.Hash) (*Change, error) {
	commit, err := repo.Git().CommitObject(id)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, fmt.Sprintf("read change %s", id), err)
	}
	trailers := parseTrailers(commit.Message)

	typeName := TypeName(trailers[trailerType])
	if err := typeName.Validate(); err != nil {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("change %s: missing or invalid type trailer", id))
	}
	lamport, err := strconv.ParseUint(trailers[trailerClock], 10, 64)
	if err != nil {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("change %s: malformed clock trailer", id))
	}
	did, err := nid.DecodeDid(trailers[trailerAuthor])
	if err != nil {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("change %s: malformed author trailer", id))
	}
	signature, err := multibase.Decode(trailers[trailerSignature])
	if err != nil {
		return nil, errs.New(errs.VerificationError, fmt.Sprintf("change %s: malformed signature trailer", id))
	}
	resource := plumbing.ZeroHash
	if raw, ok := trailers[trailerResource]; ok {
		resource = plumbing.NewHash(raw)
		if resource.IsZero() {
			return nil, errs.New(errs.VerificationError, fmt.Sprintf("change %s: malformed resource trailer", id))
		}
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, fmt.Sprintf("read change %s tree", id), err)
	}
	names := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if strings.HasPrefix(entry.Name, "action-") {
			names = append(names, entry.Name)
		}
	}
	sort.Strings(names)
	actions := make([][]byte, 0, len(names))
	for _, name := range names {
		file, fileErr := tree.File(name)
		if fileErr != nil {
			return nil, errs.Wrap(errs.StorageError, fmt.Sprintf("read change %s action", id), fileErr)
		}
		contents, readErr := file.Contents()
		if readErr != nil {
			return nil, errs.Wrap(errs.StorageError, fmt.Sprintf("read change %s action", id), readErr)
		}
		actions = append(actions, []byte(contents))
	}

	return &Change{
		ID:        id,
		Type:      typeName,
		Parents:   commit.ParentHashes,
		Actions:   actions,
		Clock:     clock.Lamport(lamport),
		Author:    did.AsKey(),
		Resource:  resource,
		Signature: signature,
	}, nil
}

// parseTrailers extracts "Key: value" trailer lines from a commit
// message.
func parseTrailers(message string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(message, "\n") {
		key, value, found := strings.Cut(line, ": ")
		if !found || !strings.HasPrefix(key, "Hearth-Cob-") {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
