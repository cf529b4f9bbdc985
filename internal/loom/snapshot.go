package loom

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
)

// Snapshot serializes the full graph: all nodes, all events, path state, and
// session metadata. It takes the read lock, so it can run alongside queries
// but never overlaps a commit.
func (l *Loom) Snapshot() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "loom: marshal snapshot")
	}
	return data, nil
}

// FromSnapshot reconstructs a Loom from a snapshot document and validates its
// structure. Optional-field absence survives the round trip: a nil logprob
// stays nil, it never becomes zero.
func FromSnapshot(data []byte) (*Loom, error) {
	var l Loom
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, eris.Wrap(err, "loom: unmarshal snapshot")
	}
	if l.Nodes == nil {
		l.Nodes = map[string]*Node{}
	}
	if l.Events == nil {
		l.Events = map[string]*DecisionEvent{}
	}
	for _, e := range l.Events {
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// validate checks the structural invariants of the graph.
func (l *Loom) validate() error {
	root, ok := l.Nodes[l.RootID]
	if !ok {
		return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("root node %s missing", l.RootID)}
	}
	if root.ParentID != nil {
		return &InvariantViolation{Op: "validate", Detail: "root node has a parent"}
	}
	if !root.WasChosen {
		return &InvariantViolation{Op: "validate", Detail: "root node is not marked chosen"}
	}

	for id, n := range l.Nodes {
		if n.ID != id {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("node key %s does not match id %s", id, n.ID)}
		}
		if n.ParentID == nil {
			if id != l.RootID {
				return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("node %s has no parent but is not the root", id)}
			}
			continue
		}
		if _, ok := l.Nodes[*n.ParentID]; !ok {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("node %s references unknown parent %s", id, *n.ParentID)}
		}
	}

	if len(l.CurrentPath) == 0 || l.CurrentPath[0] != l.RootID {
		return &InvariantViolation{Op: "validate", Detail: "current path does not start at the root"}
	}
	if err := l.validatePath(l.CurrentPath); err != nil {
		return err
	}
	for _, held := range l.HeldPaths {
		if err := l.validatePath(held); err != nil {
			return err
		}
	}

	for id, e := range l.Events {
		if e.ID != id {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("event key %s does not match id %s", id, e.ID)}
		}
		if _, ok := l.Nodes[e.ParentNodeID]; !ok {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("event %s references unknown parent node %s", id, e.ParentNodeID)}
		}
		for _, cid := range e.CandidateNodeIDs {
			if _, ok := l.Nodes[cid]; !ok {
				return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("event %s references unknown candidate %s", id, cid)}
			}
		}
		if e.Action == ActionChoose && !e.HasCandidate(e.ChosenNodeID) {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("event %s chose %s which is not a candidate", id, e.ChosenNodeID)}
		}
		if e.Action == ActionStop && e.ChosenNodeID != "" {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("stop event %s carries a chosen node", id)}
		}
	}

	return nil
}

func (l *Loom) validatePath(path []string) error {
	for i, id := range path {
		n, ok := l.Nodes[id]
		if !ok {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("path references unknown node %s", id)}
		}
		if i == 0 {
			continue
		}
		if n.ParentID == nil || *n.ParentID != path[i-1] {
			return &InvariantViolation{Op: "validate", Detail: fmt.Sprintf("path node %s does not descend from %s", id, path[i-1])}
		}
	}
	return nil
}
