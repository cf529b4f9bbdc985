package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loom-cli/internal/selector"
)

func promptCandidates() []selector.CandidateSummary {
	return []selector.CandidateSummary{
		{ID: "n1", Text: "the door opened"},
		{ID: "n2", Text: "the door stayed shut"},
	}
}

func TestParseConsoleInput_Choose(t *testing.T) {
	d, err := parseConsoleInput("2 feels more ominous", promptCandidates())
	require.NoError(t, err)
	assert.Equal(t, selector.ActionChoose, d.Action)
	assert.Equal(t, "n2", d.CandidateID)
	assert.Equal(t, "feels more ominous", d.Reason)
}

func TestParseConsoleInput_ChooseBareNumber(t *testing.T) {
	d, err := parseConsoleInput("1", promptCandidates())
	require.NoError(t, err)
	assert.Equal(t, selector.ActionChoose, d.Action)
	assert.Equal(t, "n1", d.CandidateID)
	assert.Empty(t, d.Reason)
}

func TestParseConsoleInput_Stop(t *testing.T) {
	d, err := parseConsoleInput("s the scene is done", promptCandidates())
	require.NoError(t, err)
	assert.Equal(t, selector.ActionStop, d.Action)
	assert.Equal(t, "the scene is done", d.Reason)

	d, err = parseConsoleInput("s", promptCandidates())
	require.NoError(t, err)
	assert.Equal(t, "human stop", d.Reason)
}

func TestParseConsoleInput_Clarify(t *testing.T) {
	d, err := parseConsoleInput("c who is at the door?", promptCandidates())
	require.NoError(t, err)
	assert.Equal(t, selector.ActionClarify, d.Action)
	assert.Equal(t, "who is at the door?", d.Question)

	_, err = parseConsoleInput("c", promptCandidates())
	assert.Error(t, err)
}

func TestParseConsoleInput_Invalid(t *testing.T) {
	for _, input := range []string{"", "0", "3", "x"} {
		_, err := parseConsoleInput(input, promptCandidates())
		assert.Error(t, err, "input %q", input)
	}
}

func TestConsolePrompter_DecideWithInlineReason(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompter(strings.NewReader("1 stronger opening\n"), &out)

	d, err := p.Decide(context.Background(), selector.DecideRequest{
		FullText:   "Once there was",
		Candidates: promptCandidates(),
	})
	require.NoError(t, err)
	assert.Equal(t, "n1", d.CandidateID)
	assert.Equal(t, "stronger opening", d.Reason)
	assert.Contains(t, out.String(), "the door opened")
}

func TestConsolePrompter_DecidePromptsForReason(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompter(strings.NewReader("2\nit builds tension\n"), &out)

	d, err := p.Decide(context.Background(), selector.DecideRequest{Candidates: promptCandidates()})
	require.NoError(t, err)
	assert.Equal(t, "n2", d.CandidateID)
	assert.Equal(t, "it builds tension", d.Reason)
	assert.Contains(t, out.String(), "why?")
}

func TestConsolePrompter_RetriesInvalidInput(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompter(strings.NewReader("9\ns done\n"), &out)

	d, err := p.Decide(context.Background(), selector.DecideRequest{Candidates: promptCandidates()})
	require.NoError(t, err)
	assert.Equal(t, selector.ActionStop, d.Action)
	assert.Contains(t, out.String(), "between 1 and 2")
}

func TestConsolePrompter_ShowsValidationFailure(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompter(strings.NewReader("s\n"), &out)

	_, err := p.Decide(context.Background(), selector.DecideRequest{
		Candidates:        promptCandidates(),
		ValidationFailure: "unknown candidate id \"zz\"",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "previous decision rejected")
}

func TestConsolePrompter_Ask(t *testing.T) {
	var out bytes.Buffer
	p := newConsolePrompter(strings.NewReader("colder\n"), &out)

	answer, err := p.Ask(context.Background(), "warmer or colder?")
	require.NoError(t, err)
	assert.Equal(t, "colder", answer)
	assert.Contains(t, out.String(), "warmer or colder?")
}

func TestConsolePrompter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newConsolePrompter(strings.NewReader("1\n"), &bytes.Buffer{})
	_, err := p.Decide(ctx, selector.DecideRequest{Candidates: promptCandidates()})
	assert.ErrorIs(t, err, context.Canceled)
}
