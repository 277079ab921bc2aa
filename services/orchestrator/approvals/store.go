// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approvals holds gated follow-up actions offered at the end of a
// query until the user confirms or discards them.
//
// A pending approval carries the full result table it would act on, so the
// action can run after the originating request (and its artifacts) is
// gone. Approvals are scoped to their conversation and expire after a TTL.
package approvals

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
)

const keyPrefix = "apr/"

// ActionExportXLSX exports the result table as a spreadsheet.
const ActionExportXLSX = "export_xlsx"

// ErrNotFound is returned for unknown, expired, or foreign approvals.
var ErrNotFound = datatypes.NewError(datatypes.KindNotFound, "approval not found", nil)

// Config configures the store.
type Config struct {
	// TTL is how long an offer stays open. Default: 15m.
	TTL time.Duration `yaml:"ttl"`

	// RowThreshold is the result size at or above which an export is
	// offered. Zero disables offers. Default: 100.
	RowThreshold int `yaml:"row_threshold" validate:"gte=0"`
}

// DefaultConfig returns the default approval settings.
func DefaultConfig() Config {
	return Config{TTL: 15 * time.Minute, RowThreshold: 100}
}

// Pending is a stored offer.
type Pending struct {
	ID             string                   `json:"id"`
	ConversationID datatypes.ConversationID `json:"conversation_id"`
	RequestID      string                   `json:"request_id"`
	Action         string                   `json:"action"`
	Query          string                   `json:"query"`
	CreatedAt      time.Time                `json:"created_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
	Table          *datatypes.Table         `json:"table"`
}

// Store is the badger-backed approval store.
//
// # Thread Safety
//
// Safe for concurrent use. Resolve is atomic: an approval is consumed by
// exactly one caller.
type Store struct {
	db     *kv.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a Store on db. Zero fields in cfg take defaults, except
// RowThreshold, where zero disables offers.
func NewStore(db *kv.DB, cfg Config, logger *slog.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// Threshold returns the row count at which offers are made.
func (s *Store) Threshold() int { return s.cfg.RowThreshold }

// Offer stores an export offer for table and returns its public form.
//
// # Inputs
//
//   - conv, requestID: Originating request.
//   - query: The user query, used in the description and file name.
//   - table: Result to export. Must not be nil.
//
// # Outputs
//
//   - datatypes.Approval: The offer to send to the caller.
//   - error: Non-nil on storage failure.
func (s *Store) Offer(ctx context.Context, conv datatypes.ConversationID, requestID, query string, table *datatypes.Table) (datatypes.Approval, error) {
	if table == nil {
		return datatypes.Approval{}, errors.New("approval requires a table")
	}
	now := s.now().UTC()
	p := Pending{
		ID:             uuid.NewString(),
		ConversationID: conv,
		RequestID:      requestID,
		Action:         ActionExportXLSX,
		Query:          query,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
		Table:          table,
	}
	value, err := json.Marshal(p)
	if err != nil {
		return datatypes.Approval{}, fmt.Errorf("encode approval: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(conv, p.ID), value).WithTTL(s.cfg.TTL))
	})
	if err != nil {
		return datatypes.Approval{}, fmt.Errorf("store approval: %w", err)
	}
	s.logger.Debug("export offered",
		slog.String("conversation_id", string(conv)),
		slog.String("approval_id", p.ID),
		slog.Int("rows", len(table.Rows)),
	)
	return datatypes.Approval{
		ID:          p.ID,
		Action:      p.Action,
		Description: fmt.Sprintf("Export %d rows to a spreadsheet", len(table.Rows)),
		Rows:        len(table.Rows),
		ExpiresAt:   p.ExpiresAt.Unix(),
	}, nil
}

// Resolve consumes the approval id of conv.
//
// # Description
//
// The approval is deleted whether approve is true or false, so it cannot
// be replayed. An id belonging to another conversation is not found.
//
// # Outputs
//
//   - *Pending: The offer when approve is true; nil when discarded.
//   - error: ErrNotFound, or a storage error.
func (s *Store) Resolve(ctx context.Context, conv datatypes.ConversationID, id string, approve bool) (*Pending, error) {
	if conv == "" || id == "" {
		return nil, ErrNotFound
	}
	var p Pending
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		k := key(conv, id)
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		if approve {
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &p) }); err != nil {
				return err
			}
		}
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, badger.ErrConflict) {
		// A conflict means a concurrent Resolve consumed it first.
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	if !approve {
		return nil, nil
	}
	return &p, nil
}

// Pending returns the number of open approvals.
func (s *Store) Pending(ctx context.Context) (int, error) {
	return s.db.CountPrefix(ctx, []byte(keyPrefix))
}

func key(conv datatypes.ConversationID, id string) []byte {
	return []byte(keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(conv)) + "/" + id)
}
