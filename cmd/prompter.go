package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sells-group/loom-cli/internal/selector"
)

// consolePrompter is the interactive human policy over stdin/stdout. Input
// is taken literally: a candidate number chooses, "s [reason]" stops,
// "c <question>" asks for clarification.
type consolePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsolePrompter(in io.Reader, out io.Writer) *consolePrompter {
	return &consolePrompter{in: bufio.NewReader(in), out: out}
}

// Decide implements selector.Prompter.
func (p *consolePrompter) Decide(ctx context.Context, req selector.DecideRequest) (*selector.Decision, error) {
	if req.ValidationFailure != "" {
		fmt.Fprintf(p.out, "\n!! previous decision rejected: %s\n", req.ValidationFailure)
	}
	if req.RecentContext != "" {
		fmt.Fprintf(p.out, "\nRecent decisions:\n%s\n", req.RecentContext)
	}

	fmt.Fprintf(p.out, "\n--- text so far ---\n%s\n--- candidates ---\n", req.FullText)
	for i, c := range req.Candidates {
		if c.Logprob != nil {
			fmt.Fprintf(p.out, "%2d. %q (logprob %.3f)\n", i+1, c.Text, *c.Logprob)
		} else {
			fmt.Fprintf(p.out, "%2d. %q\n", i+1, c.Text)
		}
	}
	fmt.Fprintf(p.out, "\n[1-%d] choose, s [reason] stop, c <question> clarify\n> ", len(req.Candidates))

	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return nil, err
		}

		decision, perr := parseConsoleInput(line, req.Candidates)
		if perr != nil {
			fmt.Fprintf(p.out, "%v\n> ", perr)
			continue
		}
		if decision.Action == selector.ActionChoose && decision.Reason == "" {
			fmt.Fprint(p.out, "why? > ")
			reason, err := p.readLine(ctx)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(reason) == "" {
				reason = "human preference"
			}
			decision.Reason = strings.TrimSpace(reason)
		}
		return decision, nil
	}
}

// Ask implements selector.Prompter.
func (p *consolePrompter) Ask(ctx context.Context, question string) (string, error) {
	fmt.Fprintf(p.out, "\n?? %s\n> ", question)
	answer, err := p.readLine(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (p *consolePrompter) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseConsoleInput turns one input line into a decision. A bare number
// chooses (reason collected separately); "<number> reason..." chooses with
// that reason inline.
func parseConsoleInput(line string, candidates []selector.CandidateSummary) (*selector.Decision, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("enter a candidate number, s, or c <question>")
	}
	rest := strings.TrimSpace(line[len(fields[0]):])

	switch fields[0] {
	case "s", "stop":
		reason := rest
		if reason == "" {
			reason = "human stop"
		}
		return &selector.Decision{Action: selector.ActionStop, Reason: reason}, nil
	case "c", "clarify":
		if rest == "" {
			return nil, fmt.Errorf("clarify needs a question: c <question>")
		}
		return &selector.Decision{Action: selector.ActionClarify, Question: rest}, nil
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 1 || n > len(candidates) {
		return nil, fmt.Errorf("enter a candidate number between 1 and %d", len(candidates))
	}
	reason := rest
	return &selector.Decision{
		Action:      selector.ActionChoose,
		CandidateID: candidates[n-1].ID,
		Reason:      reason,
	}, nil
}
