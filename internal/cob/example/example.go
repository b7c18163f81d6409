// Package example ships a minimal reference accumulator for the
// collaborative-object engine: a note object with a last-write-wins
// title and an append-only comment set. Real payloads (issues, patches)
// live outside the node; this one exists so the engine's evaluation seam
// has a concrete, buildable instance.
package example

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hearth-dev/hearth/internal/clock"
	"github.com/hearth-dev/hearth/internal/cob"
	"github.com/hearth-dev/hearth/internal/crdt"
)

// Type is the example object's type name.
const Type = cob.TypeName("dev.hearth.note")

// Action is the example payload's single action shape.
type Action struct {
	// Op is "title" or "comment".
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Encode serializes an action for embedding in a change entry.
func (a Action) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// State is the evaluated note.
type State struct {
	title    crdt.LWWRegister[string]
	comments *crdt.GSet[string]
}

// Title returns the note's current title.
func (s State) Title() string {
	return s.title.Get()
}

// Comments returns the note's comments, sorted for stable output.
func (s State) Comments() []string {
	out := s.comments.Members()
	sort.Strings(out)
	return out
}

// wireState is State's serialized form for the evaluated-state cache.
type wireState struct {
	Title      string       `json:"title"`
	TitleClock clock.Lamport `json:"titleClock"`
	Comments   []string     `json:"comments"`
}

// Accumulator folds note actions into State.
type Accumulator struct{}

// EncodeState serializes a State for the evaluated-state cache.
func (Accumulator) EncodeState(state any) ([]byte, error) {
	s, ok := state.(State)
	if !ok {
		return nil, fmt.Errorf("example: unexpected state type %T", state)
	}
	return json.Marshal(wireState{
		Title:      s.title.Get(),
		TitleClock: s.title.Clock(),
		Comments:   s.Comments(),
	})
}

// DecodeState reverses EncodeState.
func (Accumulator) DecodeState(raw []byte) (any, error) {
	var w wireState
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("example: malformed cached state: %w", err)
	}
	s := State{
		title:    crdt.NewLWWRegister(w.Title, w.TitleClock),
		comments: crdt.NewGSet[string](),
	}
	for _, c := range w.Comments {
		s.comments.Insert(c)
	}
	return s, nil
}

// Zero returns the empty note.
func (Accumulator) Zero() any {
	return State{comments: crdt.NewGSet[string]()}
}

// Apply folds one change into the note. The title is a Lamport-stamped
// last-write-wins register (ties broken by value, so replicas converge);
// comments are a grow-only set.
func (Accumulator) Apply(state any, change *cob.Change) (any, error) {
	s := state.(State)
	for _, raw := range change.Actions {
		var action Action
		if err := json.Unmarshal(raw, &action); err != nil {
			return nil, fmt.Errorf("example: malformed action: %w", err)
		}
		switch action.Op {
		case "title":
			s.title = s.title.Set(action.Value, change.Clock, func(a, b string) bool { return a < b })
		case "comment":
			s.comments = s.comments.Clone()
			s.comments.Insert(action.Value)
		default:
			return nil, fmt.Errorf("example: unknown op %q", action.Op)
		}
	}
	return s, nil
}
