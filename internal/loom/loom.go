package loom

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Loom is one branching-text session: the full graph of nodes plus its
// decision history. It exclusively owns its nodes and events; all access goes
// through methods. Mutations take the write lock, queries and snapshots the
// read lock, so a snapshot never observes a half-applied commit.
type Loom struct {
	mu sync.RWMutex

	SessionID string         `json:"session_id"`
	Brief     string         `json:"brief"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	RootID string                    `json:"root_id"`
	Nodes  map[string]*Node          `json:"nodes"`
	Events map[string]*DecisionEvent `json:"decision_events"`

	CurrentPath []string   `json:"current_path"`
	HeldPaths   [][]string `json:"held_paths,omitempty"`

	// Stopped is set once a stop is committed; further candidates at this tip
	// are rejected until a new path is explicitly started.
	Stopped bool `json:"stopped,omitempty"`

	nextSeq int
}

// New initializes a session from seed text: a single root node and a path of
// length one.
func New(seedText, brief string, config map[string]any) *Loom {
	root := newRootNode(seedText)
	l := &Loom{
		SessionID:   NewID(),
		Brief:       brief,
		Config:      config,
		CreatedAt:   time.Now().UTC(),
		RootID:      root.ID,
		Nodes:       map[string]*Node{root.ID: root},
		Events:      map[string]*DecisionEvent{},
		CurrentPath: []string{root.ID},
	}
	return l
}

// Tip returns a copy of the node at the end of the current path.
func (l *Loom) Tip() (Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipLocked()
}

func (l *Loom) tipLocked() (Node, bool) {
	if len(l.CurrentPath) == 0 {
		return Node{}, false
	}
	n, ok := l.Nodes[l.CurrentPath[len(l.CurrentPath)-1]]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// CurrentText returns the full text of the current path.
func (l *Loom) CurrentText() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tip, ok := l.tipLocked()
	if !ok {
		return ""
	}
	return tip.FullText
}

// Node returns a copy of the node with the given id.
func (l *Loom) Node(id string) (Node, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.Nodes[id]
	if !ok {
		return Node{}, &UnresolvedReferenceError{Kind: "node", ID: id}
	}
	return *n, nil
}

// Event returns a copy of the decision event with the given id.
func (l *Loom) Event(id string) (DecisionEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.Events[id]
	if !ok {
		return DecisionEvent{}, &UnresolvedReferenceError{Kind: "event", ID: id}
	}
	return *e, nil
}

// AddCandidates registers one node per candidate under parentID and opens an
// unresolved DecisionEvent over them. parentID must be the current tip and
// the path must not be stopped.
func (l *Loom) AddCandidates(parentID string, cands []CandidateInput) (DecisionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(cands) == 0 {
		return DecisionEvent{}, &ValidationError{Field: "candidates", Detail: "at least one candidate is required"}
	}
	parent, ok := l.Nodes[parentID]
	if !ok {
		return DecisionEvent{}, &UnresolvedReferenceError{Kind: "node", ID: parentID}
	}
	if l.Stopped {
		return DecisionEvent{}, &InvariantViolation{Op: "add_candidates", Detail: "path is stopped; start a new path before adding candidates"}
	}
	tip, ok := l.tipLocked()
	if !ok || tip.ID != parentID {
		return DecisionEvent{}, &InvariantViolation{Op: "add_candidates", Detail: fmt.Sprintf("parent %s is not the current tip %s", parentID, tip.ID)}
	}

	nodes := make([]*Node, 0, len(cands))
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		n := newCandidateNode(parent, c)
		nodes = append(nodes, n)
		ids = append(ids, n.ID)
	}

	event := &DecisionEvent{
		ID:               NewID(),
		ParentNodeID:     parentID,
		Seq:              l.nextSeq,
		CandidateNodeIDs: ids,
		Timestamp:        time.Now().UTC(),
	}
	l.nextSeq++

	for _, n := range nodes {
		n.DecisionID = event.ID
		l.Nodes[n.ID] = n
	}
	l.Events[event.ID] = event

	return *event, nil
}

// CommitChoice resolves an event as a choice: marks the chosen node, records
// scores and the logprob analysis, and extends the current path.
func (l *Loom) CommitChoice(eventID, chosenNodeID string, chosenBy ChosenBy, reason string, scores map[string]map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, ok := l.Events[eventID]
	if !ok {
		return &UnresolvedReferenceError{Kind: "event", ID: eventID}
	}
	if event.Resolved() {
		return &InvariantViolation{Op: "commit_choice", Detail: fmt.Sprintf("event %s already resolved as %q", eventID, event.Action)}
	}
	if !event.HasCandidate(chosenNodeID) {
		return &InvariantViolation{Op: "commit_choice", Detail: fmt.Sprintf("node %s is not a candidate of event %s", chosenNodeID, eventID)}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Detail: "a non-empty reason is required for choose"}
	}
	for nid := range scores {
		if !event.HasCandidate(nid) {
			return &ValidationError{Field: "scores", Detail: fmt.Sprintf("score key %s is not a candidate of event %s", nid, eventID)}
		}
	}

	event.Action = ActionChoose
	event.ChosenNodeID = chosenNodeID
	event.ChosenBy = chosenBy
	event.Reason = reason
	if len(scores) > 0 {
		event.CandidateScores = scores
	}
	l.computeLogprobGap(event)

	chosen := l.Nodes[chosenNodeID]
	chosen.WasChosen = true
	chosen.ChosenBy = chosenBy
	chosen.SelectionReason = reason
	if s, ok := scores[chosenNodeID]; ok {
		chosen.Scores = s
	}

	l.CurrentPath = append(l.CurrentPath, chosenNodeID)
	return nil
}

// computeLogprobGap fills the event's logprob analysis, but only when every
// candidate carries a step logprob. Missing values mean "no signal": all
// three fields stay nil rather than defaulting to zero.
func (l *Loom) computeLogprobGap(event *DecisionEvent) {
	maxLP := 0.0
	for i, nid := range event.CandidateNodeIDs {
		lp := l.Nodes[nid].StepLogprob
		if lp == nil {
			return
		}
		if i == 0 || *lp > maxLP {
			maxLP = *lp
		}
	}
	chosenLP := *l.Nodes[event.ChosenNodeID].StepLogprob
	gap := chosenLP - maxLP
	event.MaxLogprob = &maxLP
	event.ChosenLogprob = &chosenLP
	event.LogprobGap = &gap
}

// CommitClarify resolves an event as a clarification request. The current
// path is untouched; the loop suspends until a human answers.
func (l *Loom) CommitClarify(eventID, question string, tensionIDs []string, hingesOn string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, ok := l.Events[eventID]
	if !ok {
		return &UnresolvedReferenceError{Kind: "event", ID: eventID}
	}
	if event.Resolved() {
		return &InvariantViolation{Op: "commit_clarify", Detail: fmt.Sprintf("event %s already resolved as %q", eventID, event.Action)}
	}
	if question == "" {
		return &ValidationError{Field: "question", Detail: "a non-empty clarification question is required"}
	}
	for _, id := range tensionIDs {
		if !event.HasCandidate(id) {
			return &ValidationError{Field: "candidates_in_tension", Detail: fmt.Sprintf("node %s is not a candidate of event %s", id, eventID)}
		}
	}

	event.Action = ActionClarify
	event.ClarificationQuestion = question
	event.CandidatesInTension = tensionIDs
	event.WhatHingesOnIt = hingesOn
	return nil
}

// SetHumanResponse records the human answer on a pending clarify event.
func (l *Loom) SetHumanResponse(eventID, response string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, ok := l.Events[eventID]
	if !ok {
		return &UnresolvedReferenceError{Kind: "event", ID: eventID}
	}
	if event.Action != ActionClarify {
		return &InvariantViolation{Op: "set_human_response", Detail: fmt.Sprintf("event %s is %q, not clarify", eventID, event.Action)}
	}
	event.HumanResponse = response
	return nil
}

// OpenClarifyResolution opens a fresh unresolved event over the same tip and
// candidates as a clarify event, linked back via ResolvesClarification. A
// clarify event is superseded by exactly one such follow-up.
func (l *Loom) OpenClarifyResolution(clarifyEventID string) (DecisionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	orig, ok := l.Events[clarifyEventID]
	if !ok {
		return DecisionEvent{}, &UnresolvedReferenceError{Kind: "event", ID: clarifyEventID}
	}
	if orig.Action != ActionClarify {
		return DecisionEvent{}, &InvariantViolation{Op: "open_clarify_resolution", Detail: fmt.Sprintf("event %s is %q, not clarify", clarifyEventID, orig.Action)}
	}
	for _, e := range l.Events {
		if e.ResolvesClarification == clarifyEventID {
			return DecisionEvent{}, &InvariantViolation{Op: "open_clarify_resolution", Detail: fmt.Sprintf("clarify event %s already superseded by %s", clarifyEventID, e.ID)}
		}
	}

	event := &DecisionEvent{
		ID:                    NewID(),
		ParentNodeID:          orig.ParentNodeID,
		Seq:                   l.nextSeq,
		CandidateNodeIDs:      append([]string(nil), orig.CandidateNodeIDs...),
		ResolvesClarification: clarifyEventID,
		Timestamp:             time.Now().UTC(),
	}
	l.nextSeq++
	l.Events[event.ID] = event
	return *event, nil
}

// CommitStop resolves an event as a stop, ending the active path. No node is
// created or selected.
func (l *Loom) CommitStop(eventID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, ok := l.Events[eventID]
	if !ok {
		return &UnresolvedReferenceError{Kind: "event", ID: eventID}
	}
	if event.Resolved() {
		return &InvariantViolation{Op: "commit_stop", Detail: fmt.Sprintf("event %s already resolved as %q", eventID, event.Action)}
	}
	if reason == "" {
		return &ValidationError{Field: "reason", Detail: "a non-empty reason is required for stop"}
	}

	event.Action = ActionStop
	event.Reason = reason
	l.Stopped = true
	return nil
}

// CommitAbort marks an open event as aborted after a cancel or timeout. The
// candidate nodes stay in the graph for audit but the event is excluded from
// RejectedAt and FindDivergences. The tip is unchanged and generation may
// continue.
func (l *Loom) CommitAbort(eventID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event, ok := l.Events[eventID]
	if !ok {
		return &UnresolvedReferenceError{Kind: "event", ID: eventID}
	}
	if event.Resolved() {
		return &InvariantViolation{Op: "commit_abort", Detail: fmt.Sprintf("event %s already resolved as %q", eventID, event.Action)}
	}

	event.Action = ActionAborted
	event.Reason = reason
	return nil
}

// RejectedAt returns the sibling candidates that were passed over when the
// given node was chosen. Empty for nodes with no decision, for unresolved or
// aborted events, and for unknown ids.
func (l *Loom) RejectedAt(nodeID string) []Node {
	l.mu.RLock()
	defer l.mu.RUnlock()

	node, ok := l.Nodes[nodeID]
	if !ok || node.DecisionID == "" {
		return nil
	}
	event, ok := l.Events[node.DecisionID]
	if !ok || event.Action != ActionChoose {
		return nil
	}
	var rejected []Node
	for _, cid := range event.CandidateNodeIDs {
		if cid == event.ChosenNodeID {
			continue
		}
		if n, ok := l.Nodes[cid]; ok {
			rejected = append(rejected, *n)
		}
	}
	return rejected
}

// LastNDecisions returns the most recent n events, newest first. Timestamp
// ties break by insertion order.
func (l *Loom) LastNDecisions(n int) []DecisionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := make([]DecisionEvent, 0, len(l.Events))
	for _, e := range l.Events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].Seq > events[j].Seq
	})
	if n >= 0 && n < len(events) {
		events = events[:n]
	}
	return events
}

// FindDivergences returns choose events where the selector overrode the
// generation service's preference: defined logprob_gap below threshold.
// Returns empty, never an error, when no event carries the signal.
func (l *Loom) FindDivergences(threshold float64) []DecisionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []DecisionEvent
	for _, e := range l.sortedEventsLocked() {
		if e.Action != ActionChoose || e.LogprobGap == nil {
			continue
		}
		if *e.LogprobGap < threshold {
			out = append(out, e)
		}
	}
	return out
}

// FindClarifications returns all clarify events in insertion order.
func (l *Loom) FindClarifications() []DecisionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []DecisionEvent
	for _, e := range l.sortedEventsLocked() {
		if e.Action == ActionClarify {
			out = append(out, e)
		}
	}
	return out
}

func (l *Loom) sortedEventsLocked() []DecisionEvent {
	events := make([]DecisionEvent, 0, len(l.Events))
	for _, e := range l.Events {
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events
}

// HoldCurrentPath pushes the active path onto held_paths and rewinds the
// active path to end at rewindTo, which must be an ancestor on the current
// path. Nodes dropped from the active path lose their was_chosen mark.
// Clears the stopped flag so generation can resume from the rewound tip.
func (l *Loom) HoldCurrentPath(rewindTo string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.Nodes[rewindTo]; !ok {
		return &UnresolvedReferenceError{Kind: "node", ID: rewindTo}
	}
	cut := -1
	for i, id := range l.CurrentPath {
		if id == rewindTo {
			cut = i
			break
		}
	}
	if cut < 0 {
		return &InvariantViolation{Op: "hold_current_path", Detail: fmt.Sprintf("node %s is not on the current path", rewindTo)}
	}

	held := append([]string(nil), l.CurrentPath...)
	l.HeldPaths = append(l.HeldPaths, held)
	for _, id := range l.CurrentPath[cut+1:] {
		l.Nodes[id].WasChosen = false
	}
	l.CurrentPath = append([]string(nil), l.CurrentPath[:cut+1]...)
	l.Stopped = false
	return nil
}

// ResumeHeldPath swaps held path i in for the active path; the active path is
// held in its place.
func (l *Loom) ResumeHeldPath(i int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i < 0 || i >= len(l.HeldPaths) {
		return &ValidationError{Field: "held_path", Detail: fmt.Sprintf("index %d out of range (have %d held paths)", i, len(l.HeldPaths))}
	}
	resumed := l.HeldPaths[i]
	for _, id := range resumed {
		if _, ok := l.Nodes[id]; !ok {
			return &UnresolvedReferenceError{Kind: "node", ID: id}
		}
	}

	for _, id := range l.CurrentPath {
		l.Nodes[id].WasChosen = false
	}
	l.HeldPaths[i] = l.CurrentPath
	l.CurrentPath = append([]string(nil), resumed...)
	for _, id := range l.CurrentPath {
		l.Nodes[id].WasChosen = true
	}
	l.Stopped = false
	return nil
}
