// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory owns the ordered message history of each conversation.
//
// History is append-only. Messages hold digests and payload references,
// never raw tool results, so the retained context per conversation stays
// proportional to the number of turns rather than to result sizes.
//
// Locking is two-level: a store-wide mutex guards only the map from
// conversation id to log, and each log has its own RWMutex. Reads and
// appends on different conversations never contend beyond the brief map
// lookup.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// DefaultMaxMessageChars caps message content.
const DefaultMaxMessageChars = 4096

// ErrInvalidMessage is returned for messages that cannot be appended.
var ErrInvalidMessage = errors.New("invalid message")

// =============================================================================
// Interface Definition
// =============================================================================

// Store is the conversation memory collaborator.
//
// # Description
//
// Implementations must keep each conversation's messages in a strict
// arrival order and must never mutate a message after append. Durability
// beyond process lifetime is an implementation concern; the in-memory
// Store does not provide it.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store interface {
	// Append adds one message and returns it with Seq and CreatedAt set.
	Append(ctx context.Context, conv datatypes.ConversationID, msg datatypes.Message) (datatypes.Message, error)

	// AppendTurn adds a user message and the assistant reply atomically:
	// no reader observes one without the other.
	AppendTurn(ctx context.Context, conv datatypes.ConversationID, user, assistant datatypes.Message) ([]datatypes.Message, error)

	// Recent returns up to limit most recent messages in order, oldest first.
	// An unknown conversation yields an empty slice.
	Recent(ctx context.Context, conv datatypes.ConversationID, limit int) ([]datatypes.Message, error)

	// Len returns the number of messages in the conversation.
	Len(conv datatypes.ConversationID) int

	// Conversations lists known conversation ids in sorted order.
	Conversations() []datatypes.ConversationID
}

// =============================================================================
// Implementation
// =============================================================================

// Config configures the in-memory store.
type Config struct {
	// MaxMessageChars caps the rune length of message content. Longer
	// content is truncated. Default: 4096.
	MaxMessageChars int

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

type conversationLog struct {
	mu       sync.RWMutex
	messages []datatypes.Message
}

// InMemoryStore is the default Store.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[datatypes.ConversationID]*conversationLog

	maxChars int
	now      func() time.Time
}

// =============================================================================
// Constructor
// =============================================================================

// NewInMemoryStore creates an empty store.
//
// # Examples
//
//	store := memory.NewInMemoryStore(memory.Config{})
//	msg, err := store.Append(ctx, "conv-1", datatypes.Message{Role: datatypes.RoleUser, Content: "hi"})
func NewInMemoryStore(cfg Config) *InMemoryStore {
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultMaxMessageChars
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &InMemoryStore{
		convs:    make(map[datatypes.ConversationID]*conversationLog),
		maxChars: cfg.MaxMessageChars,
		now:      cfg.Now,
	}
}

// Append implements Store.
func (s *InMemoryStore) Append(ctx context.Context, conv datatypes.ConversationID, msg datatypes.Message) (datatypes.Message, error) {
	out, err := s.appendAll(ctx, conv, msg)
	if err != nil {
		return datatypes.Message{}, err
	}
	return out[0], nil
}

// AppendTurn implements Store.
func (s *InMemoryStore) AppendTurn(ctx context.Context, conv datatypes.ConversationID, user, assistant datatypes.Message) ([]datatypes.Message, error) {
	if user.Role != datatypes.RoleUser {
		return nil, fmt.Errorf("%w: turn must start with a user message", ErrInvalidMessage)
	}
	if assistant.Role != datatypes.RoleAssistant {
		return nil, fmt.Errorf("%w: turn must end with an assistant message", ErrInvalidMessage)
	}
	return s.appendAll(ctx, conv, user, assistant)
}

// Recent implements Store.
func (s *InMemoryStore) Recent(ctx context.Context, conv datatypes.ConversationID, limit int) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := s.lookup(conv)
	if log == nil || limit <= 0 {
		return []datatypes.Message{}, nil
	}

	log.mu.RLock()
	defer log.mu.RUnlock()

	start := len(log.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]datatypes.Message, len(log.messages)-start)
	copy(out, log.messages[start:])
	for i := range out {
		out[i].Ref = cloneRef(out[i].Ref)
	}
	return out, nil
}

// Len implements Store.
func (s *InMemoryStore) Len(conv datatypes.ConversationID) int {
	log := s.lookup(conv)
	if log == nil {
		return 0
	}
	log.mu.RLock()
	defer log.mu.RUnlock()
	return len(log.messages)
}

// Conversations implements Store.
func (s *InMemoryStore) Conversations() []datatypes.ConversationID {
	s.mu.RLock()
	ids := make([]datatypes.ConversationID, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// appendAll validates and appends msgs under a single acquisition of the
// conversation's write lock.
func (s *InMemoryStore) appendAll(ctx context.Context, conv datatypes.ConversationID, msgs ...datatypes.Message) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conv == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidMessage)
	}
	prepared := make([]datatypes.Message, len(msgs))
	for i, m := range msgs {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
		}
		if m.Path != "" && !m.Path.Valid() {
			return nil, fmt.Errorf("%w: unknown path %q", ErrInvalidMessage, m.Path)
		}
		m.Content = truncateRunes(m.Content, s.maxChars)
		m.Ref = cloneRef(m.Ref)
		prepared[i] = m
	}

	log := s.getOrCreate(conv)
	log.mu.Lock()
	defer log.mu.Unlock()

	now := s.now()
	next := int64(len(log.messages)) + 1
	for i := range prepared {
		prepared[i].Seq = next + int64(i)
		prepared[i].CreatedAt = now
	}
	log.messages = append(log.messages, prepared...)

	out := make([]datatypes.Message, len(prepared))
	copy(out, prepared)
	return out, nil
}

func (s *InMemoryStore) lookup(conv datatypes.ConversationID) *conversationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conv]
}

func (s *InMemoryStore) getOrCreate(conv datatypes.ConversationID) *conversationLog {
	if log := s.lookup(conv); log != nil {
		return log
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.convs[conv]; ok {
		return log
	}
	log := &conversationLog{}
	s.convs[conv] = log
	return log
}

func cloneRef(ref *datatypes.PayloadRef) *datatypes.PayloadRef {
	if ref == nil {
		return nil
	}
	c := *ref
	return &c
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Store = (*InMemoryStore)(nil)
