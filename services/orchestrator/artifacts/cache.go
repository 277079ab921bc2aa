// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts implements the side-channel cache for large tool
// results.
//
// The cache keeps "what the caller ultimately needs" (potentially thousands
// of rows) apart from "what the reasoning loop needs to know" (a digest).
// Entries are scoped to a (conversation, request) pair: a handle is only
// resolvable under the scope that created it, and releasing a scope evicts
// every entry it owns. Every entry also carries a TTL, so results from an
// abandoned request are reclaimed even if release never runs.
package artifacts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
)

var tracer = otel.Tracer("aleutian.query.artifacts")

// keyPrefix namespaces artifact keys inside the shared DB.
const keyPrefix = "art/"

// DefaultTTL bounds the lifetime of an entry whose request never released it.
const DefaultTTL = 10 * time.Minute

// ErrNotFound is returned for unknown, expired, released, or foreign handles.
// It matches datatypes.ErrNotFound under errors.Is.
var ErrNotFound = datatypes.NewError(datatypes.KindNotFound, "artifact not found", nil)

// =============================================================================
// Types
// =============================================================================

// Handle is the lightweight reference returned in place of a stored result.
//
// # Description
//
// A Handle names its creating scope, but carrying a Handle grants nothing:
// Get resolves it against the caller's scope, so a handle presented under
// any other conversation or request is simply not found.
type Handle struct {
	Scope     datatypes.Scope     `json:"scope"`
	Seq       uint64              `json:"seq"`
	Rows      int                 `json:"rows"`
	SizeClass datatypes.SizeClass `json:"size_class"`
	CreatedAt time.Time           `json:"created_at"`
}

// ID returns a printable identifier, unique within the process.
func (h Handle) ID() string {
	return fmt.Sprintf("%s/%s/%d", h.Scope.ConversationID, h.Scope.RequestID, h.Seq)
}

// record is the stored value.
type record struct {
	CreatedAt time.Time               `json:"created_at"`
	SizeClass datatypes.SizeClass     `json:"size_class"`
	Result    datatypes.RawToolResult `json:"result"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// Cache is the request-scoped artifact store.
//
// # Thread Safety
//
// All methods are safe for concurrent use across requests and conversations.
type Cache interface {
	// Put stores raw under scope and returns its handle.
	Put(ctx context.Context, scope datatypes.Scope, raw datatypes.RawToolResult) (Handle, error)

	// Get returns the stored result. It returns ErrNotFound when the handle
	// is unknown, expired, released, or was created under a different scope.
	// Reads are idempotent.
	Get(ctx context.Context, scope datatypes.Scope, h Handle) (datatypes.RawToolResult, error)

	// Release evicts every entry of scope and returns the number evicted.
	// A scope with an empty RequestID evicts the whole conversation.
	Release(ctx context.Context, scope datatypes.Scope) (int, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int, error)
}

// =============================================================================
// Implementation
// =============================================================================

// BadgerCache is the badger-backed Cache.
type BadgerCache struct {
	db     *kv.DB
	ttl    time.Duration
	seq    atomic.Uint64
	logger *slog.Logger
	now    func() time.Time
}

// Options configures a BadgerCache.
type Options struct {
	// TTL is the maximum lifetime of an entry. Default: DefaultTTL.
	// Badger resolves TTLs to whole seconds.
	TTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Constructor
// =============================================================================

// NewBadgerCache creates a cache on db. The DB may be shared with other
// stores; artifact keys live under their own prefix.
func NewBadgerCache(db *kv.DB, opts Options) *BadgerCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BadgerCache{
		db:     db,
		ttl:    opts.TTL,
		logger: opts.Logger,
		now:    time.Now,
	}
}

// TTL returns the configured entry lifetime.
func (c *BadgerCache) TTL() time.Duration { return c.ttl }

// Put implements Cache.
func (c *BadgerCache) Put(ctx context.Context, scope datatypes.Scope, raw datatypes.RawToolResult) (Handle, error) {
	ctx, span := tracer.Start(ctx, "artifacts.Put")
	defer span.End()

	if scope.ConversationID == "" || scope.RequestID == "" {
		return Handle{}, fmt.Errorf("artifact scope requires conversation and request ids")
	}

	rows := raw.RowCount()
	h := Handle{
		Scope:     scope,
		Seq:       c.seq.Add(1),
		Rows:      rows,
		SizeClass: datatypes.ClassifySize(rows),
		CreatedAt: c.now().UTC(),
	}
	value, err := json.Marshal(record{CreatedAt: h.CreatedAt, SizeClass: h.SizeClass, Result: raw})
	if err != nil {
		return Handle{}, fmt.Errorf("encode artifact: %w", err)
	}

	err = c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(scope, h.Seq), value).WithTTL(c.ttl))
	})
	if err != nil {
		return Handle{}, fmt.Errorf("store artifact: %w", err)
	}

	span.SetAttributes(
		attribute.Int("artifact.rows", rows),
		attribute.String("artifact.size_class", string(h.SizeClass)),
		attribute.Int("artifact.bytes", len(value)),
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordArtifactPut(string(h.SizeClass))
	}
	return h, nil
}

// Get implements Cache.
func (c *BadgerCache) Get(ctx context.Context, scope datatypes.Scope, h Handle) (datatypes.RawToolResult, error) {
	ctx, span := tracer.Start(ctx, "artifacts.Get")
	defer span.End()

	if h.Scope != scope || scope.RequestID == "" {
		return datatypes.RawToolResult{}, ErrNotFound
	}

	var rec record
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(scope, h.Seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.RawToolResult{}, ErrNotFound
	}
	if err != nil {
		return datatypes.RawToolResult{}, fmt.Errorf("load artifact: %w", err)
	}
	return rec.Result, nil
}

// Release implements Cache.
func (c *BadgerCache) Release(ctx context.Context, scope datatypes.Scope) (int, error) {
	ctx, span := tracer.Start(ctx, "artifacts.Release")
	defer span.End()

	if scope.ConversationID == "" {
		return 0, fmt.Errorf("release requires a conversation id")
	}
	n, err := c.db.DeletePrefix(ctx, scopePrefix(scope))
	span.SetAttributes(attribute.Int("artifact.released", n))
	if m := observability.DefaultMetrics; m != nil && n > 0 {
		m.RecordArtifactRelease(n)
	}
	if err != nil {
		return n, fmt.Errorf("release artifacts: %w", err)
	}
	return n, nil
}

// Count implements Cache.
func (c *BadgerCache) Count(ctx context.Context) (int, error) {
	return c.db.CountPrefix(ctx, []byte(keyPrefix))
}

// scopes returns the scope of every live entry with its approximate age,
// derived from the entry's expiry.
func (c *BadgerCache) scopes(ctx context.Context) (map[datatypes.Scope]time.Duration, error) {
	out := make(map[datatypes.Scope]time.Duration)
	prefix := []byte(keyPrefix)
	now := c.now()
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			scope, ok := parseKey(item.Key())
			if !ok {
				continue
			}
			var age time.Duration
			if exp := item.ExpiresAt(); exp > 0 {
				age = c.ttl - time.Unix(int64(exp), 0).Sub(now)
			}
			if prev, seen := out[scope]; !seen || age > prev {
				out[scope] = age
			}
		}
		return nil
	})
	return out, err
}

// =============================================================================
// Keys
// =============================================================================

// Identifiers are base64url encoded so that separators inside caller
// supplied ids cannot alias another scope's prefix.
func encodeID(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeID(s string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func scopePrefix(scope datatypes.Scope) []byte {
	p := keyPrefix + encodeID(string(scope.ConversationID)) + "/"
	if scope.RequestID != "" {
		p += encodeID(scope.RequestID) + "/"
	}
	return []byte(p)
}

func entryKey(scope datatypes.Scope, seq uint64) []byte {
	return append(scopePrefix(scope), strconv.FormatUint(seq, 10)...)
}

func parseKey(key []byte) (datatypes.Scope, bool) {
	rest, ok := strings.CutPrefix(string(key), keyPrefix)
	if !ok {
		return datatypes.Scope{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return datatypes.Scope{}, false
	}
	conv, ok1 := decodeID(parts[0])
	req, ok2 := decodeID(parts[1])
	if !ok1 || !ok2 {
		return datatypes.Scope{}, false
	}
	return datatypes.Scope{ConversationID: datatypes.ConversationID(conv), RequestID: req}, true
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Cache = (*BadgerCache)(nil)
