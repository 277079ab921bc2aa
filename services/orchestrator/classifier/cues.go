// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"strings"
	"unicode"
)

// chartCues ask for a visual result.
var chartCues = map[string]bool{
	"plot": true, "plots": true, "chart": true, "charts": true, "graph": true,
	"visualize": true, "visualise": true, "visualization": true, "bar": true,
	"line": true, "pie": true, "histogram": true, "trend": true, "trends": true,
	"distribution": true, "comparison": true, "ranking": true, "scatter": true,
}

// tableCues ask for rows rather than prose.
var tableCues = map[string]bool{
	"show": true, "list": true, "table": true, "tabulate": true,
	"breakdown": true, "top": true, "compare": true, "group": true,
	"rows": true, "values": true, "export": true, "filter": true,
}

// narrativeCues ask for an explanation.
var narrativeCues = map[string]bool{
	"explain": true, "why": true, "describe": true, "summarize": true,
	"summarise": true, "summary": true, "meaning": true, "define": true,
	"interpret": true, "overview": true, "narrative": true, "insight": true,
}

// tablePhrases are multi-word table cues.
var tablePhrases = []string{
	"count by", "group by", "broken down by",
}

// narrativePhrases are multi-word narrative cues.
var narrativePhrases = []string{
	"tell me", "in words", "what does", "how does", "what is the reason",
}

// followUpPrefixes mark a query that continues the previous turn.
var followUpPrefixes = []string{
	"now", "what about", "how about", "and", "same for", "same but",
	"also", "instead", "do the same", "repeat", "then", "ok now",
	"okay now", "for", "only", "just", "but",
}

// referenceWords point back at the previous result.
var referenceWords = map[string]bool{
	"it": true, "its": true, "this": true, "that": true, "these": true,
	"those": true, "them": true, "they": true, "their": true, "same": true,
	"more": true, "again": true, "also": true, "else": true,
}

// topicSwitchPhrases contains phrases indicating intentional topic change.
var topicSwitchPhrases = []string{
	"switching gears", "different topic", "unrelated", "change of subject",
	"new question", "forget that", "moving on", "something else",
	"anyway", "by the way", "on another note", "separate question",
}

// shortQueryTokens is the token count at or below which a query with
// history is treated as a follow-up.
const shortQueryTokens = 4

// signals is the lexical analysis of one query.
type signals struct {
	normalized string
	tokens     []string
	chart      int
	table      int
	narrative  int
	followUp   bool
	switching  bool
}

func (s signals) structured() int { return s.chart + s.table }

// analyze tokenizes query and counts cues. It is deterministic and
// allocation-light; it runs on every query.
func analyze(query string) signals {
	lower := strings.ToLower(query)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	normalized := strings.Join(tokens, " ")

	s := signals{normalized: normalized, tokens: tokens}
	for _, tok := range tokens {
		switch {
		case chartCues[tok]:
			s.chart++
		case tableCues[tok]:
			s.table++
		case narrativeCues[tok]:
			s.narrative++
		}
	}
	padded := " " + normalized + " "
	for _, phrase := range tablePhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			s.table++
		}
	}
	for _, phrase := range narrativePhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			s.narrative++
		}
	}
	for _, phrase := range topicSwitchPhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			s.switching = true
			break
		}
	}

	s.followUp = hasFollowUpPrefix(normalized) || len(tokens) <= shortQueryTokens
	if !s.followUp {
		for _, tok := range tokens {
			if referenceWords[tok] {
				s.followUp = true
				break
			}
		}
	}
	return s
}

func hasFollowUpPrefix(normalized string) bool {
	for _, p := range followUpPrefixes {
		if normalized == p || strings.HasPrefix(normalized, p+" ") {
			return true
		}
	}
	return false
}
