package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// StepType identifies one step kind inside an optimal path.
type StepType string

const (
	StepDefault       StepType = "DEFAULT"
	StepXCM           StepType = "XCM"
	StepTokenApproval StepType = "TOKEN_APPROVAL"

	// Submit kinds; exactly one terminates every path.
	StepNominate     StepType = "NOMINATE"
	StepJoinNomPool  StepType = "JOIN_NOMINATION_POOL"
	StepMintDerivate StepType = "MINT"
	StepSupply       StepType = "SUPPLY"
)

// IsSubmit reports whether t is a protocol submission kind.
func (t StepType) IsSubmit() bool {
	switch t {
	case StepNominate, StepJoinNomPool, StepMintDerivate, StepSupply:
		return true
	}
	return false
}

// YieldStep is one entry of an optimal path.
type YieldStep struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Type     StepType          `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// YieldTokenBaseInfo is a fee entry: an asset plus a base-unit amount kept as
// an integer-valued decimal to avoid float precision loss.
type YieldTokenBaseInfo struct {
	Slug   string          `json:"slug"`
	Amount decimal.Decimal `json:"amount"`
}

// OptimalYieldPath is the ordered plan to join a pool. Steps and TotalFee are
// index-aligned. ConnectionError names a chain that could not be reached
// during planning; the path is then best-effort.
type OptimalYieldPath struct {
	TotalFee        []YieldTokenBaseInfo `json:"total_fee"`
	Steps           []YieldStep          `json:"steps"`
	ConnectionError string               `json:"connection_error,omitempty"`
}

// Validate checks the structural path invariants: fee list aligned with
// steps, step 0 DEFAULT, submit kind last, XCM/approval strictly before it.
func (p *OptimalYieldPath) Validate() error {
	if len(p.Steps) != len(p.TotalFee) {
		return fmt.Errorf("path: %d steps but %d fee entries", len(p.Steps), len(p.TotalFee))
	}
	if len(p.Steps) < 2 {
		return fmt.Errorf("path: need at least DEFAULT and a submit step, got %d", len(p.Steps))
	}
	if p.Steps[0].Type != StepDefault {
		return fmt.Errorf("path: step 0 must be DEFAULT, got %s", p.Steps[0].Type)
	}
	last := p.Steps[len(p.Steps)-1]
	if !last.Type.IsSubmit() {
		return fmt.Errorf("path: last step must be a submit kind, got %s", last.Type)
	}
	for _, s := range p.Steps[1 : len(p.Steps)-1] {
		if s.Type != StepXCM && s.Type != StepTokenApproval {
			return fmt.Errorf("path: intermediate step %d has kind %s", s.ID, s.Type)
		}
	}
	return nil
}

// StepTypes returns the step-kind sequence, used to compare plans.
func (p *OptimalYieldPath) StepTypes() []StepType {
	kinds := make([]StepType, len(p.Steps))
	for i, s := range p.Steps {
		kinds[i] = s.Type
	}
	return kinds
}
