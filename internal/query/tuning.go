package query

import (
	apperr "github.com/edupilot/edupilot/internal/errors"
)

// maxTopK bounds admin-tuned retrieval depth.
const maxTopK = 50

// Tuning holds the retrieval settings admins may adjust at runtime.
// Per-request overrides still win over these defaults.
type Tuning struct {
	TopK  int     `json:"top_k"`
	KCite int     `json:"k_cite"`
	Alpha float64 `json:"alpha"`
}

// Tuning returns the retrieval settings currently in effect.
func (o *Orchestrator) Tuning() Tuning {
	o.tuningMu.RLock()
	defer o.tuningMu.RUnlock()
	return o.tuning
}

// SetTuning applies new retrieval settings. Zero fields keep their
// current value, so a partial update adjusts one knob at a time.
func (o *Orchestrator) SetTuning(t Tuning) (Tuning, error) {
	o.tuningMu.Lock()
	defer o.tuningMu.Unlock()

	next := o.tuning
	if t.TopK != 0 {
		if t.TopK < 1 || t.TopK > maxTopK {
			return Tuning{}, apperr.Validation("top_k must be between 1 and 50")
		}
		next.TopK = t.TopK
	}
	if t.KCite != 0 {
		if t.KCite < 1 {
			return Tuning{}, apperr.Validation("k_cite must be positive")
		}
		next.KCite = t.KCite
	}
	if t.Alpha != 0 {
		if t.Alpha < 0 || t.Alpha > 1 {
			return Tuning{}, apperr.Validation("alpha must be in [0, 1]")
		}
		next.Alpha = t.Alpha
	}
	if next.KCite > next.TopK {
		return Tuning{}, apperr.Validation("k_cite cannot exceed top_k")
	}

	o.tuning = next
	o.logger.Info("retrieval_tuning_updated")
	return next, nil
}

// PromptSet is the template bundle driving answer generation. System
// templates apply to cited turns, direct templates to turns with
// retrieval disabled, and the beginner templates are prepended when a
// student asks for jargon-free answers.
type PromptSet struct {
	SystemEN   string `json:"system_en"`
	SystemZH   string `json:"system_zh"`
	DirectEN   string `json:"direct_en"`
	DirectZH   string `json:"direct_zh"`
	BeginnerEN string `json:"beginner_en"`
	BeginnerZH string `json:"beginner_zh"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() PromptSet {
	return PromptSet{
		SystemEN:   systemPromptEN,
		SystemZH:   systemPromptZH,
		DirectEN:   directPromptEN,
		DirectZH:   directPromptZH,
		BeginnerEN: beginnerPromptEN,
		BeginnerZH: beginnerPromptZH,
	}
}

// Prompts returns the templates currently in effect.
func (o *Orchestrator) Prompts() PromptSet {
	o.promptsMu.RLock()
	defer o.promptsMu.RUnlock()
	return o.prompts
}

// SetPrompts overrides the prompt templates. Empty fields fall back to
// the built-in default, so an empty update restores stock prompts.
func (o *Orchestrator) SetPrompts(p PromptSet) PromptSet {
	d := DefaultPrompts()
	if p.SystemEN == "" {
		p.SystemEN = d.SystemEN
	}
	if p.SystemZH == "" {
		p.SystemZH = d.SystemZH
	}
	if p.DirectEN == "" {
		p.DirectEN = d.DirectEN
	}
	if p.DirectZH == "" {
		p.DirectZH = d.DirectZH
	}
	if p.BeginnerEN == "" {
		p.BeginnerEN = d.BeginnerEN
	}
	if p.BeginnerZH == "" {
		p.BeginnerZH = d.BeginnerZH
	}

	o.promptsMu.Lock()
	o.prompts = p
	o.promptsMu.Unlock()
	o.logger.Info("prompt_templates_updated")
	return p
}
