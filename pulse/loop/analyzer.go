// Package loop detects runaway job chains before they are queued.
//
// Every execution may point at the execution that caused it (SourceJobID).
// Walking those pointers back gives the chain of ancestors; a new job is
// flagged when the chain would grow too deep or the same job name would
// repeat too often.
package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/pulse/record"
)

// Defaults applied when Limits (or one of its fields) is zero.
const (
	DefaultMaxChainDepth     = 10
	DefaultMaxJobRepetitions = 2

	// MaxHops bounds the backward walk. Back-pointers can form a cycle when
	// records are written concurrently or corrupted.
	MaxHops = 100
)

// Limits are the per-job thresholds.
type Limits struct {
	MaxChainDepth     int `json:"max_chain_depth,omitempty"`
	MaxJobRepetitions int `json:"max_job_repetitions,omitempty"`
}

func (l *Limits) resolved() Limits {
	out := Limits{MaxChainDepth: DefaultMaxChainDepth, MaxJobRepetitions: DefaultMaxJobRepetitions}
	if l == nil {
		return out
	}
	if l.MaxChainDepth > 0 {
		out.MaxChainDepth = l.MaxChainDepth
	}
	if l.MaxJobRepetitions > 0 {
		out.MaxJobRepetitions = l.MaxJobRepetitions
	}
	return out
}

// Source resolves executions by id. record.Store satisfies it.
type Source interface {
	GetExecution(ctx context.Context, id string) (*record.Execution, error)
}

// Chain is the ancestry of a prospective job.
type Chain struct {
	Depth int      `json:"depth"`
	Names []string `json:"names"` // root first
}

// String renders the chain as "A → B → C", or "(no chain)".
func (c Chain) String() string {
	if len(c.Names) == 0 {
		return "(no chain)"
	}
	return strings.Join(c.Names, " → ")
}

// Count returns how many ancestors are named name.
func (c Chain) Count(name string) int {
	n := 0
	for _, ancestor := range c.Names {
		if ancestor == name {
			n++
		}
	}
	return n
}

// Result is the outcome of Check.
type Result struct {
	Prevented bool   `json:"loop_prevented"`
	Reason    string `json:"loop_reason,omitempty"`
	Chain     Chain  `json:"chain"`
}

// Analyzer reads ancestry from a Source. It holds no state of its own.
type Analyzer struct {
	source Source
}

// NewAnalyzer creates an analyzer over source.
func NewAnalyzer(source Source) *Analyzer {
	return &Analyzer{source: source}
}

// AnalyzeChain walks back from sourceJobID (inclusive). The walk stops at an
// empty or unresolvable pointer, or after MaxHops records.
func (a *Analyzer) AnalyzeChain(ctx context.Context, sourceJobID string) (Chain, error) {
	var names []string
	id := sourceJobID
	for hops := 0; id != "" && hops < MaxHops; hops++ {
		exec, err := a.source.GetExecution(ctx, id)
		if err != nil {
			return Chain{}, errors.Wrapf(err, "failed to resolve chain ancestor %s", id)
		}
		if exec == nil {
			break
		}
		names = append(names, exec.Name)
		id = exec.SourceJobID
	}

	// collected leaf first
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return Chain{Depth: len(names), Names: names}, nil
}

// Check decides whether queueing a job named name, caused by sourceJobID,
// would exceed limits (nil means defaults).
func (a *Analyzer) Check(ctx context.Context, sourceJobID, name string, limits *Limits) (Result, error) {
	chain, err := a.AnalyzeChain(ctx, sourceJobID)
	if err != nil {
		return Result{}, err
	}
	return Evaluate(chain, name, limits), nil
}

// Evaluate applies limits to a chain that already has been walked.
func Evaluate(chain Chain, name string, limits *Limits) Result {
	l := limits.resolved()
	depth := chain.Depth + 1
	repetitions := chain.Count(name) + 1

	var reasons []string
	if depth > l.MaxChainDepth {
		reasons = append(reasons, fmt.Sprintf("Chain depth %d exceeds maximum %d (chain: %s)",
			depth, l.MaxChainDepth, chain))
	}
	if repetitions > l.MaxJobRepetitions {
		reasons = append(reasons, fmt.Sprintf("Job '%s' repetition count %d exceeds maximum %d",
			name, repetitions, l.MaxJobRepetitions))
	}
	return Result{
		Prevented: len(reasons) > 0,
		Reason:    strings.Join(reasons, " and "),
		Chain:     chain,
	}
}
