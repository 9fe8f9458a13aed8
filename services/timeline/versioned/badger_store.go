// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/storage/badger"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BadgerStoreConfig configures a BadgerStore.
type BadgerStoreConfig struct {
	// DB is the opened database. Required.
	DB *badger.DB

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now. Tests may pin it.
	Now func() time.Time

	// OnAppend, if set, is called after every durable write with the new
	// version. It runs outside the entity lock.
	OnAppend func(v *StateVersion)
}

// BadgerStore implements Store on BadgerDB.
//
// Thread Safety: Safe for concurrent use. Appends to the same entity are
// serialized by a per-entity mutex held only across the read-compare-write
// transaction; Badger's conflict detection covers writers in other
// processes sharing the directory.
type BadgerStore struct {
	db       *badger.DB
	logger   *slog.Logger
	now      func() time.Time
	onAppend func(v *StateVersion)

	locks sync.Map // entity id -> *sync.Mutex
}

// NewBadgerStore creates a store over an opened database.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BadgerStore{
		db:       cfg.DB,
		logger:   cfg.Logger.With(slog.String("component", "versioned_store")),
		now:      cfg.Now,
		onAppend: cfg.OnAppend,
	}, nil
}

func (s *BadgerStore) lockFor(entityID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(entityID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Register creates the entity record and its genesis version.
//
// # Description
//
// The genesis clock is {NodeID: 1}. Registering an id that already exists
// fails with ErrEntityExists, including ids first seen through Import.
//
// # Outputs
//
//   - *StateVersion: The genesis version.
//   - error: ErrEntityExists, ErrDurability, or a validation error.
func (s *BadgerStore) Register(ctx context.Context, req RegisterRequest) (*StateVersion, error) {
	if err := validation.ValidateEntityID(req.EntityID); err != nil {
		return nil, err
	}
	if err := validation.ValidateNodeID(req.NodeID); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("timeline").Start(ctx, "versioned.Register",
		trace.WithAttributes(attribute.String("entity_id", req.EntityID)),
	)
	defer span.End()

	mu := s.lockFor(req.EntityID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()
	clock := vclock.New().Increment(req.NodeID)
	v := &StateVersion{
		EntityID:    req.EntityID,
		Clock:       clock,
		Hash:        ComputeHash(nil, clock, req.Payload),
		PayloadHash: HashPayload(req.Payload),
		Logical:     clock.Sum(),
		CreatedAt:   now,
		Payload:     req.Payload,
		ChangeType:  ChangeGenesis,
		NodeID:      req.NodeID,
	}
	ent := &Entity{ID: req.EntityID, Type: req.EntityType, CreatedAt: now}

	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(entityKey(req.EntityID)); err == nil {
			return ErrEntityExists
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return s.writeVersion(txn, ent, v, true)
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "register failed")
		return nil, fmt.Errorf("register %s: %w", req.EntityID, err)
	}

	s.logger.Info("entity registered",
		slog.String("entity_id", req.EntityID),
		slog.String("entity_type", req.EntityType),
		slog.String("hash", ShortHash(v.Hash)))
	s.notify(v)
	return v, nil
}

// Append adds a version after the current head.
//
// # Description
//
// Under the entity lock, loads the head, enforces WithExpectedHead, checks
// that clock strictly dominates the head clock, validates any merge parent,
// and commits the version and new head in one synced transaction.
//
// # Inputs
//
//   - ctx: Checked before the transaction starts. A started commit is not
//     cancellable.
//   - entityID: Registered entity.
//   - clock: Must strictly dominate the head clock.
//   - payload: Opaque state bytes.
//   - opts: Tentative flag, change type, merge parent, and so on.
//
// # Outputs
//
//   - *StateVersion: The durable new head.
//   - error: ErrStaleClock, ErrUnknownEntity, ErrUnknownVersion,
//     ErrEntityTerminated, or ErrDurability.
func (s *BadgerStore) Append(ctx context.Context, entityID string, clock vclock.VectorClock, payload []byte, opts ...AppendOption) (*StateVersion, error) {
	o := appendOptions{changeType: ChangeUpdate}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := otel.Tracer("timeline").Start(ctx, "versioned.Append",
		trace.WithAttributes(
			attribute.String("entity_id", entityID),
			attribute.String("change_type", o.changeType),
			attribute.Bool("tentative", o.tentative),
		),
	)
	defer span.End()

	v, err := s.append(ctx, entityID, clock, payload, o, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, fmt.Errorf("append %s: %w", entityID, err)
	}

	span.SetAttributes(
		attribute.String("hash", v.Hash),
		attribute.Int64("sequence", int64(v.Sequence)),
	)
	s.logger.Debug("version appended",
		slog.String("entity_id", entityID),
		slog.String("hash", ShortHash(v.Hash)),
		slog.Uint64("sequence", v.Sequence),
		slog.String("clock", v.Clock.String()),
		slog.Bool("tentative", v.Tentative))
	s.notify(v)
	return v, nil
}

// Terminate appends a final version and seals the entity.
func (s *BadgerStore) Terminate(ctx context.Context, entityID string, clock vclock.VectorClock, opts ...AppendOption) (*StateVersion, error) {
	o := appendOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	o.changeType = ChangeTerminate

	ctx, span := otel.Tracer("timeline").Start(ctx, "versioned.Terminate",
		trace.WithAttributes(attribute.String("entity_id", entityID)),
	)
	defer span.End()

	v, err := s.append(ctx, entityID, clock, nil, o, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminate failed")
		return nil, fmt.Errorf("terminate %s: %w", entityID, err)
	}
	s.logger.Info("entity terminated",
		slog.String("entity_id", entityID),
		slog.String("hash", ShortHash(v.Hash)))
	s.notify(v)
	return v, nil
}

func (s *BadgerStore) append(ctx context.Context, entityID string, clock vclock.VectorClock, payload []byte, o appendOptions, seal bool) (*StateVersion, error) {
	mu := s.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	var out *StateVersion
	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		ent, err := loadEntity(txn, entityID)
		if err != nil {
			return err
		}
		if ent.Terminated {
			return ErrEntityTerminated
		}
		head, err := loadHead(txn, entityID)
		if err != nil {
			return err
		}
		if o.expectedHead != "" && o.expectedHead != head.Hash {
			return fmt.Errorf("%w: head moved from %s to %s", ErrStaleClock, ShortHash(o.expectedHead), ShortHash(head.Hash))
		}
		if !clock.Dominates(head.Clock) {
			return fmt.Errorf("%w: %s does not dominate head %s", ErrStaleClock, clock.String(), head.Clock.String())
		}

		parents := []string{head.Hash}
		seq := head.Sequence + 1
		if o.mergeParent != "" {
			other, err := loadVersion(txn, entityID, o.mergeParent)
			if err != nil {
				return err
			}
			parents = append(parents, other.Hash)
			if other.Sequence+1 > seq {
				seq = other.Sequence + 1
			}
		}

		c := clock.Clone()
		out = &StateVersion{
			EntityID:    entityID,
			Sequence:    seq,
			Clock:       c,
			Hash:        ComputeHash(parents, c, payload),
			PayloadHash: HashPayload(payload),
			Parents:     parents,
			Logical:     c.Sum(),
			CreatedAt:   s.now().UTC(),
			Payload:     payload,
			Tentative:   o.tentative,
			ChangeType:  o.changeType,
			NodeID:      o.nodeID,
			EpisodeID:   o.episodeID,
			Interleaved: o.interleaved,
		}
		if o.mergeParent != "" {
			if err := txn.Delete(branchKey(entityID, o.mergeParent)); err != nil {
				return err
			}
		}
		if seal {
			ent.Terminated = true
		}
		return s.writeVersion(txn, ent, out, seal)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// writeVersion stores v and makes it the head. When writeEntity is set
// the entity record is (re)written as well.
func (s *BadgerStore) writeVersion(txn *dgbadger.Txn, ent *Entity, v *StateVersion, writeEntity bool) error {
	data, err := encodeVersion(v)
	if err != nil {
		return err
	}
	if writeEntity {
		raw, err := json.Marshal(ent)
		if err != nil {
			return fmt.Errorf("marshal entity: %w", err)
		}
		if err := txn.Set(entityKey(ent.ID), raw); err != nil {
			return err
		}
	}
	if err := txn.Set(versionKey(v.EntityID, v.Hash), data); err != nil {
		return err
	}
	return txn.Set(headKey(v.EntityID), []byte(v.Hash))
}

// Import stores versions produced by another process.
//
// # Description
//
// Versions must be ordered so each one's parents are either already stored
// or earlier in the slice. Every hash is re-verified. Versions that are
// already present are skipped. Unknown entities are created as replicas.
//
// # Outputs
//
//   - *StateVersion: The last imported version (the branch tip).
//   - error: ErrCorrupted on hash mismatch, ErrUnknownVersion on a
//     dangling parent, or ErrDurability.
func (s *BadgerStore) Import(ctx context.Context, entityID string, versions []*StateVersion, mode ImportMode) (*StateVersion, error) {
	if err := validation.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.New("nothing to import")
	}

	ctx, span := otel.Tracer("timeline").Start(ctx, "versioned.Import",
		trace.WithAttributes(
			attribute.String("entity_id", entityID),
			attribute.Int("count", len(versions)),
		),
	)
	defer span.End()

	mu := s.lockFor(entityID)
	mu.Lock()
	defer mu.Unlock()

	tip := versions[len(versions)-1]
	advanced := false
	err := s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		ent, err := loadEntity(txn, entityID)
		replica := false
		if errors.Is(err, ErrUnknownEntity) {
			ent = &Entity{ID: entityID, CreatedAt: s.now().UTC(), Replica: true}
			replica = true
		} else if err != nil {
			return err
		}

		seen := make(map[string]bool, len(versions))
		for _, v := range versions {
			if v.EntityID != entityID {
				return fmt.Errorf("%w: version %s belongs to %s", ErrCorrupted, ShortHash(v.Hash), v.EntityID)
			}
			if !v.Verify() {
				return fmt.Errorf("%w: hash mismatch for %s", ErrCorrupted, ShortHash(v.Hash))
			}
			for _, p := range v.Parents {
				if seen[p] {
					continue
				}
				if _, err := txn.Get(versionKey(entityID, p)); err != nil {
					if errors.Is(err, dgbadger.ErrKeyNotFound) {
						return fmt.Errorf("%w: dangling parent %s", ErrUnknownVersion, ShortHash(p))
					}
					return err
				}
			}
			seen[v.Hash] = true
			if _, err := txn.Get(versionKey(entityID, v.Hash)); err == nil {
				continue
			}
			data, err := encodeVersion(v)
			if err != nil {
				return err
			}
			if err := txn.Set(versionKey(entityID, v.Hash), data); err != nil {
				return err
			}
		}

		if replica {
			raw, err := json.Marshal(ent)
			if err != nil {
				return fmt.Errorf("marshal entity: %w", err)
			}
			if err := txn.Set(entityKey(entityID), raw); err != nil {
				return err
			}
			advanced = true
			return txn.Set(headKey(entityID), []byte(tip.Hash))
		}

		headHash, err := loadHeadHash(txn, entityID)
		if err != nil {
			return err
		}
		if tip.Hash == headHash {
			return nil
		}
		if mode == ImportFastForward && !ent.Terminated {
			extends, err := reaches(txn, entityID, tip.Hash, headHash)
			if err != nil {
				return err
			}
			if extends {
				advanced = true
				return txn.Set(headKey(entityID), []byte(tip.Hash))
			}
		}
		// Already reachable from the head means nothing new to track.
		behind, err := reaches(txn, entityID, headHash, tip.Hash)
		if err != nil || behind {
			return err
		}
		// A tip extending an older alternate tip replaces it.
		covered, err := ancestors(txn, entityID, tip.Hash)
		if err != nil {
			return err
		}
		for _, old := range branchTips(txn, entityID) {
			if _, ok := covered[old]; ok {
				if err := txn.Delete(branchKey(entityID, old)); err != nil {
					return err
				}
			}
		}
		return txn.Set(branchKey(entityID, tip.Hash), nil)
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "import failed")
		return nil, fmt.Errorf("import %s: %w", entityID, err)
	}

	span.SetAttributes(attribute.Bool("advanced_head", advanced))
	s.logger.Info("versions imported",
		slog.String("entity_id", entityID),
		slog.Int("count", len(versions)),
		slog.String("tip", ShortHash(tip.Hash)),
		slog.Bool("advanced_head", advanced))
	return tip, nil
}

// Head returns the canonical head.
func (s *BadgerStore) Head(ctx context.Context, entityID string) (*StateVersion, error) {
	var head *StateVersion
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		var err error
		head, err = loadHead(txn, entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return head, nil
}

// Heads returns the canonical head followed by alternate tips sorted by hash.
func (s *BadgerStore) Heads(ctx context.Context, entityID string) ([]*StateVersion, error) {
	var out []*StateVersion
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		head, err := loadHead(txn, entityID)
		if err != nil {
			return err
		}
		out = append(out, head)

		for _, hash := range branchTips(txn, entityID) {
			v, err := loadVersion(txn, entityID, hash)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one stored version.
func (s *BadgerStore) Get(ctx context.Context, entityID, hash string) (*StateVersion, error) {
	var v *StateVersion
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		if _, err := loadEntity(txn, entityID); err != nil {
			return err
		}
		var err error
		v, err = loadVersion(txn, entityID, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Chain returns the first-parent chain from genesis to tip.
func (s *BadgerStore) Chain(ctx context.Context, entityID, tip string) ([]*StateVersion, error) {
	var out []*StateVersion
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		if _, err := loadEntity(txn, entityID); err != nil {
			return err
		}
		for hash := tip; hash != ""; {
			v, err := loadVersion(txn, entityID, hash)
			if err != nil {
				return err
			}
			out = append(out, v)
			hash = v.Parent()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Timeline returns the canonical chain ending at the head.
func (s *BadgerStore) Timeline(ctx context.Context, entityID string) ([]*StateVersion, error) {
	head, err := s.Head(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return s.Chain(ctx, entityID, head.Hash)
}

// HistorySince returns every version reachable from the head but not from
// hash, ordered by sequence then hash. For a linear timeline this is the
// plain suffix after hash; after merges it includes both merged branches.
//
// hash must itself be reachable from the head, through any parent, so a
// tip discarded by an earlier merge is a valid starting point.
func (s *BadgerStore) HistorySince(ctx context.Context, entityID, hash string) ([]*StateVersion, error) {
	var out []*StateVersion
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		headHash, err := loadHeadHash(txn, entityID)
		if err != nil {
			return err
		}
		if _, err := loadVersion(txn, entityID, hash); err != nil {
			return err
		}

		excluded, err := ancestors(txn, entityID, hash)
		if err != nil {
			return err
		}
		reachable, err := ancestors(txn, entityID, headHash)
		if err != nil {
			return err
		}
		if _, ok := reachable[hash]; !ok {
			return fmt.Errorf("%w: %s", ErrNotAncestor, ShortHash(hash))
		}
		for h, v := range reachable {
			if _, skip := excluded[h]; !skip {
				out = append(out, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortCausal(out)
	return out, nil
}

// Entity returns the registration record.
func (s *BadgerStore) Entity(ctx context.Context, entityID string) (*Entity, error) {
	var ent *Entity
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		var err error
		ent, err = loadEntity(txn, entityID)
		return err
	})
	return ent, err
}

// Entities lists registered ids in key order.
func (s *BadgerStore) Entities(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		prefix := entityPrefix()
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStore) notify(v *StateVersion) {
	if s.onAppend != nil {
		s.onAppend(v)
	}
}

// SortCausal orders versions by sequence, breaking ties by hash. Since a
// version's sequence exceeds every parent's, the result is a valid
// topological order.
func SortCausal(vs []*StateVersion) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Sequence != vs[j].Sequence {
			return vs[i].Sequence < vs[j].Sequence
		}
		return vs[i].Hash < vs[j].Hash
	})
}

// classify maps storage failures onto the package's error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: concurrent writer committed first", ErrStaleClock)
	case errors.Is(err, ErrStaleClock),
		errors.Is(err, ErrUnknownEntity),
		errors.Is(err, ErrUnknownVersion),
		errors.Is(err, ErrEntityExists),
		errors.Is(err, ErrEntityTerminated),
		errors.Is(err, ErrCorrupted),
		errors.Is(err, ErrNotAncestor),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
}

func loadEntity(txn *dgbadger.Txn, id string) (*Entity, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var ent Entity
	if err := json.Unmarshal(raw, &ent); err != nil {
		return nil, fmt.Errorf("%w: entity %s: %v", ErrCorrupted, id, err)
	}
	return &ent, nil
}

func loadHeadHash(txn *dgbadger.Txn, id string) (string, error) {
	item, err := txn.Get(headKey(id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func loadHead(txn *dgbadger.Txn, id string) (*StateVersion, error) {
	hash, err := loadHeadHash(txn, id)
	if err != nil {
		return nil, err
	}
	return loadVersion(txn, id, hash)
}

func loadVersion(txn *dgbadger.Txn, id, hash string) (*StateVersion, error) {
	item, err := txn.Get(versionKey(id, hash))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownVersion, id, ShortHash(hash))
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeVersion(raw)
}

// ancestors returns every version reachable from hash through any parent,
// hash included.
func ancestors(txn *dgbadger.Txn, id, hash string) (map[string]*StateVersion, error) {
	out := make(map[string]*StateVersion)
	stack := []string{hash}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[h]; ok {
			continue
		}
		v, err := loadVersion(txn, id, h)
		if err != nil {
			return nil, err
		}
		out[h] = v
		stack = append(stack, v.Parents...)
	}
	return out, nil
}

// reaches reports whether target is reachable from start.
func reaches(txn *dgbadger.Txn, id, start, target string) (bool, error) {
	all, err := ancestors(txn, id, start)
	if err != nil {
		return false, err
	}
	_, ok := all[target]
	return ok, nil
}

// branchTips lists alternate tip hashes in key order.
func branchTips(txn *dgbadger.Txn, id string) []string {
	prefix := branchPrefix(id)
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}
