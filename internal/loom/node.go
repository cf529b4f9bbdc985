// Package loom implements the branching text graph: nodes, decision events,
// and the session aggregate that owns them. Every candidate ever offered
// persists in the graph, chosen or not.
package loom

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a short unique id (12 hex chars).
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ChosenBy identifies who resolved a decision.
type ChosenBy string

const (
	ChosenBySelector ChosenBy = "selector"
	ChosenByHuman    ChosenBy = "human"
)

// Node is one generated text segment. The root node carries the seed text;
// every other node is a candidate from some decision point.
type Node struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"` // nil only for the root

	Text     string `json:"text"`
	FullText string `json:"full_text"` // cached: all ancestors + this segment

	// TokenIDs may be empty when tokenization is not tracked. Logprob fields
	// stay nil when the generation source provides no log-probabilities;
	// nil means "no signal", never zero.
	TokenIDs      []int     `json:"token_ids,omitempty"`
	TokenLogprobs []float64 `json:"token_logprobs,omitempty"`
	StepLogprob   *float64  `json:"step_logprob,omitempty"`

	DecisionID      string             `json:"decision_id,omitempty"` // event that offered this node
	WasChosen       bool               `json:"was_chosen"`            // true iff on the active path
	ChosenBy        ChosenBy           `json:"chosen_by,omitempty"`
	SelectionReason string             `json:"selection_reason,omitempty"`
	Scores          map[string]float64 `json:"scores,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CandidateInput is raw generation output before it becomes a Node.
type CandidateInput struct {
	Text          string
	TokenIDs      []int
	TokenLogprobs []float64
	StepLogprob   *float64
}

func newRootNode(seedText string) *Node {
	return &Node{
		ID:        NewID(),
		Text:      seedText,
		FullText:  seedText,
		WasChosen: true,
		CreatedAt: time.Now().UTC(),
	}
}

func newCandidateNode(parent *Node, in CandidateInput) *Node {
	pid := parent.ID
	return &Node{
		ID:            NewID(),
		ParentID:      &pid,
		Text:          in.Text,
		FullText:      parent.FullText + in.Text,
		TokenIDs:      in.TokenIDs,
		TokenLogprobs: in.TokenLogprobs,
		StepLogprob:   in.StepLogprob,
		CreatedAt:     time.Now().UTC(),
	}
}
