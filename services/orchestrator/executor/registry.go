// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Invocation is the input to a tool.
type Invocation struct {
	// Query is the text of the current question.
	Query string

	// PriorQuery is the question this one follows up on, if any. Tools use
	// it to carry filters the current query does not restate.
	PriorQuery string

	// Dataset is the source to query. May be zero for tools that do not
	// need one.
	Dataset datatypes.DatasetHandle
}

// Output is what a tool returns.
type Output struct {
	Result datatypes.RawToolResult

	// Tokens is the model token usage of the call, if any.
	Tokens int
}

// Tool is an analytical capability behind an execution path.
//
// # Description
//
// Invoke must honor ctx: it returns promptly once ctx is done. Transient
// conditions are reported as datatypes.ErrToolTimeout or
// datatypes.ErrRateLimited kinds so the dispatcher can retry them.
// An empty table is a valid result, not an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) (Output, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, inv Invocation) (Output, error)
}

// Name implements Tool.
func (f ToolFunc) Name() string { return f.ToolName }

// Invoke implements Tool.
func (f ToolFunc) Invoke(ctx context.Context, inv Invocation) (Output, error) {
	return f.Fn(ctx, inv)
}

// Registry binds execution paths to tools.
//
// # Description
//
// A default binding per path serves every dataset. A dataset may override
// the binding for a path; the override wins in Resolve.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	defaults  map[datatypes.Path]Tool
	byDataset map[string]map[datatypes.Path]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defaults:  make(map[datatypes.Path]Tool),
		byDataset: make(map[string]map[datatypes.Path]Tool),
	}
}

// Register sets the default tool for path.
func (r *Registry) Register(path datatypes.Path, tool Tool) error {
	if err := checkBinding(path, tool); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[path] = tool
	return nil
}

// RegisterForDataset sets the tool for path on one dataset.
func (r *Registry) RegisterForDataset(datasetID string, path datatypes.Path, tool Tool) error {
	if datasetID == "" {
		return fmt.Errorf("dataset id is required")
	}
	if err := checkBinding(path, tool); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byDataset[datasetID]
	if !ok {
		m = make(map[datatypes.Path]Tool)
		r.byDataset[datasetID] = m
	}
	m[path] = tool
	return nil
}

// Resolve returns the tool for path on dataset.
func (r *Registry) Resolve(path datatypes.Path, dataset datatypes.DatasetHandle) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.byDataset[dataset.ID]; ok {
		if tool, ok := m[path]; ok {
			return tool, nil
		}
	}
	if tool, ok := r.defaults[path]; ok {
		return tool, nil
	}
	return nil, datatypes.NewError(datatypes.KindInternal,
		fmt.Sprintf("no tool registered for %s path", path), nil)
}

// Names returns the names of all bound tools, sorted and deduplicated.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, t := range r.defaults {
		seen[t.Name()] = true
	}
	for _, m := range r.byDataset {
		for _, t := range m {
			seen[t.Name()] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkBinding(path datatypes.Path, tool Tool) error {
	if !path.Valid() {
		return fmt.Errorf("unknown path %q", path)
	}
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	return nil
}
