package query

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arbor-rag/arbor/pkg/ai"
)

const (
	// DefaultMaxSteps is the retrieval round budget per question.
	DefaultMaxSteps = 3

	answerMarker = "So the answer is:"
	queryMarker  = "The new query is:"
)

// Loop is the iterative answer machine. Each round retrieves evidence for
// the pending queries, reasons over everything collected so far, and
// either finishes with an answer or derives a focused follow-up query for
// the next round. When the budget runs out the loop escalates: it answers
// from partial evidence and flags the answer.
type Loop struct {
	decomposer *Decomposer
	retriever  *Retriever
	client     ai.Client
	maxSteps   int
	thinking   string
}

type LoopParams struct {
	Decomposer *Decomposer
	Retriever  *Retriever
	Client     ai.Client
	// MaxSteps defaults to DefaultMaxSteps.
	MaxSteps int
	// Thinking enables extended thinking for the reasoning rounds when the
	// configured model supports it.
	Thinking string
}

func NewLoop(params LoopParams) (*Loop, error) {
	if params.Decomposer == nil || params.Retriever == nil || params.Client == nil {
		return nil, fmt.Errorf("decomposer, retriever and client are required")
	}
	maxSteps := params.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Loop{
		decomposer: params.Decomposer,
		retriever:  params.Retriever,
		client:     params.Client,
		maxSteps:   maxSteps,
		thinking:   params.Thinking,
	}, nil
}

// Answer runs the full loop for one question. On budget exhaustion the
// returned answer is still usable but flagged, and the error is
// ErrNotConverged.
func (l *Loop) Answer(ctx context.Context, question string) (Answer, error) {
	plan, err := l.decomposer.Decompose(ctx, question)
	if err != nil {
		return Answer{}, err
	}

	trace := Trace{Plan: plan, Final: StatePlanned}
	var evidence Evidence
	var thoughts []string
	executed := make([]bool, len(plan.SubQueries))
	followUp := ""

	for round := 1; round <= l.maxSteps; round++ {
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}

		queries := l.roundQueries(plan, executed, followUp)
		followUp = ""
		if len(queries) == 0 {
			break
		}

		roundEvidence, err := l.retrieveAll(ctx, queries)
		if err != nil {
			return Answer{}, err
		}
		evidence.Merge(roundEvidence)

		step := Step{Round: round, Evidence: roundEvidence, State: StateRetrieving}
		for _, q := range queries {
			step.Queries = append(step.Queries, q.Question)
		}

		thought, err := l.reason(ctx, question, evidence, thoughts)
		if err != nil {
			return Answer{}, err
		}
		step.State = StateReasoning
		step.Thought = thought
		thoughts = append(thoughts, thought)

		if answer, ok := afterMarker(thought, answerMarker); ok {
			step.State = StateDone
			trace.Steps = append(trace.Steps, step)
			trace.Final = StateDone
			return Answer{Question: question, Text: answer, Trace: trace}, nil
		}
		if next, ok := afterMarker(thought, queryMarker); ok {
			followUp = next
		}
		trace.Steps = append(trace.Steps, step)
	}

	text, err := l.finalAnswer(ctx, question, evidence)
	if err != nil {
		return Answer{}, err
	}
	trace.Final = StateEscalate
	answer := Answer{Question: question, Text: text, Escalated: true, Trace: trace}
	return answer, ErrNotConverged
}

// roundQueries picks what to retrieve this round: the follow-up query
// from the last reasoning step, plus any sub-queries whose dependency
// resolved in an earlier round. Eligibility is decided against the state
// before this round, so a dependent sub-query never runs concurrently
// with its prerequisite.
func (l *Loop) roundQueries(plan Plan, executed []bool, followUp string) []SubQuery {
	var queries []SubQuery
	if followUp != "" {
		queries = append(queries, SubQuery{Question: followUp, Layers: allLayers(), DependsOn: -1})
	}
	var picked []int
	for i, sq := range plan.SubQueries {
		if executed[i] {
			continue
		}
		if sq.DependsOn >= 0 && sq.DependsOn < len(executed) && !executed[sq.DependsOn] {
			continue
		}
		picked = append(picked, i)
		queries = append(queries, sq)
	}
	for _, i := range picked {
		executed[i] = true
	}
	return queries
}

// retrieveAll resolves the round's queries in parallel and merges their
// evidence deterministically in query order.
func (l *Loop) retrieveAll(ctx context.Context, queries []SubQuery) (Evidence, error) {
	results := make([]Evidence, len(queries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range queries {
		g.Go(func() error {
			ev, err := l.retriever.Retrieve(gctx, sq)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = ev
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Evidence{}, err
	}

	var merged Evidence
	for _, ev := range results {
		merged.Merge(ev)
	}
	return merged, nil
}

// reason runs one reasoning round as a multi-turn chat: the accumulated
// evidence opens the conversation and earlier thoughts are carried as
// assistant history.
func (l *Loop) reason(ctx context.Context, question string, evidence Evidence, thoughts []string) (string, error) {
	messages := []ai.ChatMessage{{
		Role: "user",
		Message: fmt.Sprintf(
			ai.ReasonPrompt,
			question,
			block(evidence.Triples),
			block(evidence.Passages),
			block(evidence.Digests),
		),
	}}
	for _, thought := range thoughts {
		messages = append(messages,
			ai.ChatMessage{Role: "assistant", Message: thought},
			ai.ChatMessage{Role: "user", Message: ai.ReasonContinuePrompt},
		)
	}

	opts := []ai.GenerateOption{
		ai.WithSystemPrompts(ai.ReasonSystemPrompt),
		ai.WithTemperature(0.2),
	}
	if l.thinking != "" {
		opts = append(opts, ai.WithThinking(l.thinking))
	}

	reply, err := l.client.GenerateChat(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("reasoning step failed: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

func (l *Loop) finalAnswer(ctx context.Context, question string, evidence Evidence) (string, error) {
	all := append(append(append([]string{}, evidence.Triples...), evidence.Passages...), evidence.Digests...)
	prompt := fmt.Sprintf(ai.FinalAnswerPrompt, question, block(all))
	reply, err := l.client.GenerateCompletion(ctx, prompt, ai.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("final answer failed: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// afterMarker extracts the text following the last occurrence of the
// marker line.
func afterMarker(text, marker string) (string, bool) {
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(text[idx+len(marker):]), true
}

func block(lines []string) string {
	if len(lines) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
