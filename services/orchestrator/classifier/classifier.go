// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier chooses the execution path for a query.
//
// Classification is a function of the query text and a bounded window of
// recent history. The history window is always passed in explicitly; a
// classifier never reaches into conversation memory on its own, so the same
// inputs always produce the same decision.
//
// Classifiers never fail. When a decision cannot be made with confidence the
// result is the narrative path with Fallback set.
package classifier

import (
	"context"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// DefaultHistoryWindow is the number of recent messages considered.
const DefaultHistoryWindow = 6

// Decision reasons.
const (
	ReasonFollowUp       = "follow_up"
	ReasonFollowUpSwitch = "follow_up_switch"
	ReasonStructured     = "structured_cues"
	ReasonNarrative      = "narrative_cues"
	ReasonDefault        = "default"
	ReasonEmpty          = "empty_query"
	ReasonLLM            = "llm"
	ReasonUnavailable    = "llm_unavailable"
	ReasonOutOfEnum      = "out_of_enum"
)

// Classifier decides the execution path for a query.
//
// # Description
//
// history is the caller's view of recent conversation messages, oldest
// first. Implementations consider at most their configured window of the
// newest messages and record the window in the returned Decision.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, query string, history []datatypes.Message) datatypes.Decision
}

// Config configures the rule classifier.
type Config struct {
	// HistoryWindow is the number of newest messages considered. Default: 6.
	HistoryWindow int
}

// RuleClassifier classifies queries with lexical cues and turn continuity.
//
// # Description
//
// A query that reads as a follow-up ("now for Italy", "what about 2022",
// "show it as a chart") inherits the path of the previous assistant turn
// unless it carries an explicit cue for the other path. Anything else is
// scored: structured cues (chart or table words) against narrative cues
// (explain, why, describe). Ties and queries with no cues go narrative.
//
// # Thread Safety
//
// Safe for concurrent use; it holds only immutable configuration.
type RuleClassifier struct {
	window int
}

// NewRuleClassifier creates a RuleClassifier. A non-positive window takes
// the default.
func NewRuleClassifier(cfg Config) *RuleClassifier {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &RuleClassifier{window: cfg.HistoryWindow}
}

// Window returns the configured history window.
func (c *RuleClassifier) Window() int { return c.window }

// Classify implements Classifier.
func (c *RuleClassifier) Classify(_ context.Context, query string, history []datatypes.Message) datatypes.Decision {
	d, _ := c.classify(query, history)
	return d
}

// classify returns the decision and whether it was settled by turn
// continuity. Settled decisions are not second-guessed by an LLM.
func (c *RuleClassifier) classify(query string, history []datatypes.Message) (datatypes.Decision, bool) {
	window := tail(history, c.window)
	d := datatypes.Decision{
		Query:       query,
		ContextSize: len(window),
	}
	if len(window) > 0 {
		d.ContextSeq = window[len(window)-1].Seq
	}

	s := analyze(query)
	if len(s.tokens) == 0 {
		d.Path = datatypes.PathNarrative
		d.Reason = ReasonEmpty
		return d, true
	}

	prior, priorQuery := lastTurn(window)
	if prior != nil && prior.Path.Valid() && s.followUp && !s.switching {
		d.PriorQuery = priorQuery
		followUp(&d, s, prior)
		return d, true
	}

	switch {
	case s.structured() > s.narrative:
		d.Path = datatypes.PathStructured
		d.Chart = s.chart > 0
		d.Reason = ReasonStructured
	case s.narrative > 0:
		d.Path = datatypes.PathNarrative
		d.Reason = ReasonNarrative
	default:
		d.Path = datatypes.PathNarrative
		d.Reason = ReasonDefault
	}
	return d, false
}

// followUp resolves a continuation of prior.
func followUp(d *datatypes.Decision, s signals, prior *datatypes.Message) {
	priorChart := prior.Ref != nil && prior.Ref.Kind == datatypes.PayloadChartSpec

	switch prior.Path {
	case datatypes.PathStructured:
		if s.narrative > 0 && s.structured() == 0 {
			d.Path = datatypes.PathNarrative
			d.Reason = ReasonFollowUpSwitch
			return
		}
		d.Path = datatypes.PathStructured
		d.Chart = s.chart > 0 || (priorChart && s.table == 0)
		d.Reason = ReasonFollowUp
	default:
		if s.structured() > 0 && s.narrative == 0 {
			d.Path = datatypes.PathStructured
			d.Chart = s.chart > 0
			d.Reason = ReasonFollowUpSwitch
			return
		}
		d.Path = datatypes.PathNarrative
		d.Reason = ReasonFollowUp
	}
}

// lastTurn returns the newest assistant message in window and the user
// query that preceded it.
func lastTurn(window []datatypes.Message) (*datatypes.Message, string) {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role != datatypes.RoleAssistant {
			continue
		}
		prior := &window[i]
		for j := i - 1; j >= 0; j-- {
			if window[j].Role == datatypes.RoleUser {
				return prior, window[j].Content
			}
		}
		return prior, ""
	}
	return nil, ""
}

// tail returns the last n messages of history.
func tail(history []datatypes.Message, n int) []datatypes.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

var _ Classifier = (*RuleClassifier)(nil)
