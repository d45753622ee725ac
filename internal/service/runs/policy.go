// Package runs implements the run lifecycle: the idempotency gate that
// admits work, the dispatcher pool that executes it, and the reaper that
// force-fails runs stuck past their kind's deadline.
package runs

import (
	"time"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/config"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// ReuseMode controls what the gate may hand back for a repeated key.
type ReuseMode int

const (
	// ReuseActiveOnly reuses a pending, running or pending_review run only.
	// Once the previous run is terminal a repeated key starts a fresh one.
	ReuseActiveOnly ReuseMode = iota
	// ReuseTerminal additionally reuses terminal runs (completed and
	// failed) while they are within the retention window. Failed runs are
	// reused on purpose: a failed run is a recorded outcome, and retrying
	// it needs a new key.
	ReuseTerminal
)

// KindPolicy is the per-kind execution contract.
type KindPolicy struct {
	Reuse ReuseMode
	// Timeout bounds a single execution. The dispatcher enforces it as a
	// context deadline; the reaper enforces it again against the database
	// for runs whose worker died.
	Timeout time.Duration
	// ApprovalGate parks finished runs in pending_review instead of
	// completing them, pending an explicit approval.
	ApprovalGate bool
}

// PolicyTable maps every known run kind to its policy.
type PolicyTable map[model.RunKind]KindPolicy

// PoliciesFromConfig builds the policy table.
//
// Analysis results are a pure function of the content window, so a repeated
// analysis key within the retention window reuses the terminal run instead
// of recomputing. Reports and exports produce artifacts whose repetition is
// intentional, so only active runs dedupe.
func PoliciesFromConfig(cfg config.Config) PolicyTable {
	return PolicyTable{
		model.RunKindAnalysis: {
			Reuse:   ReuseTerminal,
			Timeout: cfg.AnalysisTimeout,
		},
		model.RunKindReport: {
			Reuse:        ReuseActiveOnly,
			Timeout:      cfg.ReportTimeout,
			ApprovalGate: cfg.ReportApprovalGate,
		},
		model.RunKindExport: {
			Reuse:   ReuseActiveOnly,
			Timeout: cfg.ExportTimeout,
		},
		model.RunKindIncidentEvaluation: {
			Reuse:   ReuseActiveOnly,
			Timeout: cfg.EvaluationTimeout,
		},
	}
}
