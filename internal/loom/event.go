package loom

import "time"

// Action is the outcome of a decision point. Empty until resolution; once set
// it never changes.
type Action string

const (
	ActionChoose  Action = "choose"
	ActionClarify Action = "clarify"
	ActionStop    Action = "stop"
	ActionAborted Action = "aborted"
)

// DecisionEvent records one branch point: the candidates offered at a tip and
// what came of them.
type DecisionEvent struct {
	ID           string `json:"id"`
	ParentNodeID string `json:"parent_node_id"`
	Seq          int    `json:"seq"` // insertion order within the session

	CandidateNodeIDs []string `json:"candidate_node_ids"`

	Action       Action   `json:"action,omitempty"`
	ChosenNodeID string   `json:"chosen_node_id,omitempty"`
	ChosenBy     ChosenBy `json:"chosen_by,omitempty"`
	Reason       string   `json:"reason,omitempty"`

	// Clarify-only fields. HumanResponse is filled once the person answers;
	// the terminal resolution then lands on a fresh event carrying
	// ResolvesClarification back to this one.
	ClarificationQuestion string   `json:"clarification_question,omitempty"`
	CandidatesInTension   []string `json:"candidates_in_tension,omitempty"`
	WhatHingesOnIt        string   `json:"what_hinges_on_it,omitempty"`
	HumanResponse         string   `json:"human_response,omitempty"`

	// ResolvesClarification links a follow-up event to the clarify event it
	// supersedes.
	ResolvesClarification string `json:"resolves_clarification,omitempty"`

	CandidateScores map[string]map[string]float64 `json:"candidate_scores,omitempty"`

	// Logprob analysis. Set only when every candidate at this point carried a
	// step logprob; nil means the signal was unavailable, not zero.
	MaxLogprob    *float64 `json:"max_logprob,omitempty"`
	ChosenLogprob *float64 `json:"chosen_logprob,omitempty"`
	LogprobGap    *float64 `json:"logprob_gap,omitempty"` // chosen - max; negative = override

	Timestamp time.Time `json:"timestamp"`
}

// Resolved reports whether the event has a terminal or clarify action set.
func (e *DecisionEvent) Resolved() bool {
	return e.Action != ""
}

// HasCandidate reports whether id is one of the event's candidates.
func (e *DecisionEvent) HasCandidate(id string) bool {
	for _, cid := range e.CandidateNodeIDs {
		if cid == id {
			return true
		}
	}
	return false
}
