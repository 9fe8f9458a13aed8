// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package divergence

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/storage/badger"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testNode is one process with its own store and divergence manager.
type testNode struct {
	id    string
	store *versioned.BadgerStore
	mgr   *Manager
	reg   *Registry
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := versioned.NewBadgerStore(versioned.BadgerStoreConfig{DB: db, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	reg := NewRegistry()
	mgr, err := NewManager(Config{NodeID: id, Store: store, Synthesis: reg, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return &testNode{id: id, store: store, mgr: mgr, reg: reg}
}

func (n *testNode) register(t *testing.T, entityID, entityType string) *versioned.StateVersion {
	t.Helper()
	g, err := n.store.Register(context.Background(), versioned.RegisterRequest{
		EntityID: entityID, EntityType: entityType, NodeID: n.id, Payload: []byte(`{"count":0}`),
	})
	require.NoError(t, err)
	return g
}

func (n *testNode) append(t *testing.T, entityID, payload string, tentative bool) *versioned.StateVersion {
	t.Helper()
	head := n.head(t, entityID)
	v, err := n.store.Append(context.Background(), entityID, head.Clock.Increment(n.id), []byte(payload),
		versioned.WithTentative(tentative), versioned.WithNodeID(n.id))
	require.NoError(t, err)
	return v
}

func (n *testNode) head(t *testing.T, entityID string) *versioned.StateVersion {
	t.Helper()
	h, err := n.store.Head(context.Background(), entityID)
	require.NoError(t, err)
	return h
}

// history is what the node would serve to a peer.
func (n *testNode) history(t *testing.T, entityID string) RemoteHistory {
	t.Helper()
	ctx := context.Background()
	tl, err := n.store.Timeline(ctx, entityID)
	require.NoError(t, err)
	rest, err := n.store.HistorySince(ctx, entityID, tl[0].Hash)
	require.NoError(t, err)
	return RemoteHistory{
		NodeID:   n.id,
		EntityID: entityID,
		Head:     tl[len(tl)-1].Hash,
		Versions: append([]*versioned.StateVersion{tl[0]}, rest...),
	}
}

func (n *testNode) reconcile(t *testing.T, peer *testNode, entityID string) *Record {
	t.Helper()
	rec, err := n.mgr.Reconcile(context.Background(), peer.history(t, entityID), "episode-1")
	require.NoError(t, err)
	return rec
}

// splitPair returns two nodes sharing genesis plus three versions
// (H0..H3) of entity "agent-7".
func splitPair(t *testing.T) (a, b *testNode) {
	t.Helper()
	a = newTestNode(t, "A")
	b = newTestNode(t, "B")
	a.register(t, "agent-7", "agent")
	for _, p := range []string{`{"count":1}`, `{"count":2}`, `{"count":3}`} {
		a.append(t, "agent-7", p, false)
	}
	require.Nil(t, b.reconcile(t, a, "agent-7"))
	require.Equal(t, a.head(t, "agent-7").Hash, b.head(t, "agent-7").Hash)
	return a, b
}

func strategies(ps []Proposal) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		s := string(p.Strategy)
		if p.Branch != "" {
			s += ":" + string(p.Branch)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func proposalFor(t *testing.T, ps []Proposal, s Strategy, b Branch) Proposal {
	t.Helper()
	for _, p := range ps {
		if p.Strategy == s && p.Branch == b {
			return p
		}
	}
	t.Fatalf("no %s/%s proposal in %v", s, b, strategies(ps))
	return Proposal{}
}

func TestReconcile_ReplicatesUnknownEntity(t *testing.T) {
	a := newTestNode(t, "A")
	b := newTestNode(t, "B")
	a.register(t, "e1", "agent")
	a.append(t, "e1", "one", false)

	assert.Nil(t, b.reconcile(t, a, "e1"))
	assert.Equal(t, a.head(t, "e1").Hash, b.head(t, "e1").Hash)

	ent, err := b.store.Entity(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, ent.Replica)
}

func TestReconcile_FastForward(t *testing.T) {
	a, b := splitPair(t)
	a.append(t, "agent-7", `{"count":4}`, false)
	tip := a.append(t, "agent-7", `{"count":5}`, false)

	assert.Nil(t, b.reconcile(t, a, "agent-7"))
	assert.Equal(t, tip.Hash, b.head(t, "agent-7").Hash)
	assert.False(t, b.mgr.Unresolved("agent-7"))
}

func TestReconcile_PeerBehindIsNoop(t *testing.T) {
	a, b := splitPair(t)
	tip := a.append(t, "agent-7", `{"count":4}`, false)

	assert.Nil(t, a.reconcile(t, b, "agent-7"))
	assert.Equal(t, tip.Hash, a.head(t, "agent-7").Hash)
	assert.Empty(t, a.mgr.Open())
}

func TestReconcile_SameHeadIsNoop(t *testing.T) {
	a, b := splitPair(t)
	assert.Nil(t, a.reconcile(t, b, "agent-7"))
	assert.Nil(t, b.reconcile(t, a, "agent-7"))
}

// A writes H4a and B writes H4b, H5b while partitioned. After the heal,
// neither history silently wins.
func TestReconcile_ForkAfterHeal(t *testing.T) {
	a, b := splitPair(t)
	h3 := a.head(t, "agent-7")
	h4a := a.append(t, "agent-7", `{"count":4,"by":"A"}`, false)
	h4b := b.append(t, "agent-7", `{"count":4,"by":"B"}`, true)
	h5b := b.append(t, "agent-7", `{"count":5,"by":"B"}`, true)

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)

	assert.Equal(t, Pending, rec.State)
	assert.Equal(t, "episode-1", rec.Point.EpisodeID)
	assert.Equal(t, h3.Hash, rec.Point.Ancestor.Hash)
	assert.Equal(t, []string{h4a.Hash}, hashesOf(rec.Point.Local))
	assert.Equal(t, []string{h4b.Hash, h5b.Hash}, hashesOf(rec.Point.Remote))
	assert.True(t, rec.Point.Tentative)
	assert.Equal(t, 2, rec.Point.Analysis.TentativeCount)
	assert.Equal(t, []string{"A", "B"}, rec.Point.Analysis.Nodes)

	assert.Equal(t, []string{"choose_one:local", "choose_one:remote", "concatenate", "superposition"}, strategies(rec.Proposals))
	for _, p := range rec.Proposals {
		assert.Equal(t, h4a.Hash, p.LocalTip)
		assert.Equal(t, h5b.Hash, p.RemoteTip)
		assert.Equal(t, h3.Hash, p.AncestorHash)
	}

	// Nothing merges until a proposal is accepted.
	assert.Equal(t, h4a.Hash, a.head(t, "agent-7").Hash)
	assert.True(t, a.mgr.Unresolved("agent-7"))
	assert.Len(t, a.mgr.Pending("agent-7"), 4)

	heads, err := a.store.Heads(context.Background(), "agent-7")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h4a.Hash, h5b.Hash}, hashesOf(heads))
}

func TestApplyMerge_Superposition(t *testing.T) {
	a, b := splitPair(t)
	h4a := a.append(t, "agent-7", "local", false)
	b.append(t, "agent-7", "remote-1", false)
	h5b := b.append(t, "agent-7", "remote-2", false)
	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)

	var fired []string
	a.mgr.OnResolved(func(id string) { fired = append(fired, id) })

	head, err := a.mgr.ApplyMerge(context.Background(), proposalFor(t, rec.Proposals, Superposition, "").ID)
	require.NoError(t, err)
	assert.Equal(t, h4a.Hash, head.Hash)

	got, ok := a.mgr.Record("agent-7")
	require.True(t, ok)
	assert.Equal(t, Superposed, got.State)
	assert.True(t, a.mgr.Unresolved("agent-7"))
	assert.Empty(t, fired)

	heads, err := a.store.Heads(context.Background(), "agent-7")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h4a.Hash, h5b.Hash}, hashesOf(heads))

	// A superposed record can still be collapsed later.
	v, err := a.mgr.ApplyMerge(context.Background(), proposalFor(t, rec.Proposals, ChooseOne, Local).ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), v.Payload)
	assert.False(t, a.mgr.Unresolved("agent-7"))
	assert.Equal(t, []string{"agent-7"}, fired)
}

func TestApplyMerge_ChooseOne(t *testing.T) {
	for _, branch := range []Branch{Local, Remote} {
		t.Run(string(branch), func(t *testing.T) {
			a, b := splitPair(t)
			ctx := context.Background()
			h3 := a.head(t, "agent-7")
			h4a := a.append(t, "agent-7", "local", false)
			h4b := b.append(t, "agent-7", "remote-1", false)
			h5b := b.append(t, "agent-7", "remote-2", false)
			rec := a.reconcile(t, b, "agent-7")
			require.NotNil(t, rec)

			p := proposalFor(t, rec.Proposals, ChooseOne, branch)
			v, err := a.mgr.ApplyMerge(ctx, p.ID)
			require.NoError(t, err)

			want := "local"
			if branch == Remote {
				want = "remote-2"
			}
			assert.Equal(t, want, string(v.Payload))
			assert.Equal(t, versioned.ChangeMerge, v.ChangeType)
			assert.Equal(t, []string{h4a.Hash, h5b.Hash}, v.Parents)
			assert.Equal(t, vclock.VectorClock{"A": 5, "B": 2}, v.Clock)
			assert.Equal(t, v.Hash, a.head(t, "agent-7").Hash)

			// The discarded branch stays in history.
			since, err := a.store.HistorySince(ctx, "agent-7", h3.Hash)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{h4a.Hash, h4b.Hash, h5b.Hash, v.Hash}, hashesOf(since))

			assert.False(t, a.mgr.Unresolved("agent-7"))
			assert.Empty(t, a.mgr.Open())

			_, err = a.mgr.ApplyMerge(ctx, p.ID)
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		})
	}
}

func TestApplyMerge_LocalProgressAfterDetection(t *testing.T) {
	a, b := splitPair(t)
	ctx := context.Background()
	a.append(t, "agent-7", "local-1", false)
	b.append(t, "agent-7", "remote-1", false)
	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)

	later := a.append(t, "agent-7", "local-2", false)
	v, err := a.mgr.ApplyMerge(ctx, proposalFor(t, rec.Proposals, ChooseOne, Local).ID)
	require.NoError(t, err)
	assert.Equal(t, later.Hash, v.Parent())
	assert.Equal(t, "local-2", string(v.Payload))
}

func TestApplyMerge_Concatenate(t *testing.T) {
	a, b := splitPair(t)
	h4a := a.append(t, "agent-7", "a4", false)
	h4b := b.append(t, "agent-7", "b4", false)
	h5b := b.append(t, "agent-7", "b5", false)
	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)

	v, err := a.mgr.ApplyMerge(context.Background(), proposalFor(t, rec.Proposals, Concatenate, "").ID)
	require.NoError(t, err)

	// Logical sums: h4a=5, h4b=5, h5b=6. Ties break on wall time, then hash.
	first, second := h4a.Hash, h4b.Hash
	if second < first {
		first, second = second, first
	}
	assert.Equal(t, []string{first, second, h5b.Hash}, v.Interleaved)
	assert.Equal(t, "b5", string(v.Payload))
}

func TestProposeMerges_ConcatenateRequiresConcurrency(t *testing.T) {
	a, b := splitPair(t)
	ctx := context.Background()
	a.append(t, "agent-7", "a4", false)

	// B writes with a clock that claims to have seen A's new version.
	bHead := b.head(t, "agent-7")
	_, err := b.store.Append(ctx, "agent-7", bHead.Clock.Merge(vclock.VectorClock{"A": 9}).Increment("B"), []byte("b4"))
	require.NoError(t, err)

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)
	assert.False(t, rec.Point.Analysis.AllConcurrent)
	assert.Equal(t, []string{"choose_one:local", "choose_one:remote", "superposition"}, strategies(rec.Proposals))
}

func TestReconcile_TentativeFastForwardNeedsReview(t *testing.T) {
	a, b := splitPair(t)
	ctx := context.Background()
	h3 := a.head(t, "agent-7")
	b.append(t, "agent-7", "b4", true)
	h5b := b.append(t, "agent-7", "b5", true)

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)
	assert.Equal(t, h3.Hash, a.head(t, "agent-7").Hash, "tentative versions must not fast-forward")
	assert.Empty(t, rec.Point.Local)
	assert.Len(t, rec.Point.Remote, 2)
	assert.Equal(t, []string{"choose_one:local", "choose_one:remote", "superposition"}, strategies(rec.Proposals))

	v, err := a.mgr.ApplyMerge(ctx, proposalFor(t, rec.Proposals, ChooseOne, Remote).ID)
	require.NoError(t, err)
	assert.Equal(t, []string{h3.Hash, h5b.Hash}, v.Parents)
	assert.Equal(t, "b5", string(v.Payload))
	assert.False(t, v.Tentative)
}

func TestReconcile_TentativeLocalSuffixNeedsReview(t *testing.T) {
	a, b := splitPair(t)
	ctx := context.Background()
	h3 := a.head(t, "agent-7")
	tip := a.append(t, "agent-7", "a4", true)

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)
	assert.Equal(t, []string{tip.Hash}, hashesOf(rec.Point.Local))
	assert.Empty(t, rec.Point.Remote)

	v, err := a.mgr.ApplyMerge(ctx, proposalFor(t, rec.Proposals, ChooseOne, Local).ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tip.Hash, h3.Hash}, v.Parents)
	assert.Equal(t, "a4", string(v.Payload))
	assert.Equal(t, vclock.After, v.Clock.Compare(tip.Clock))
}

func TestApplyMerge_SynthesizeFunc(t *testing.T) {
	a, b := splitPair(t)
	a.reg.Register("agent", func(_ context.Context, in SynthesisInput) ([]byte, error) {
		return []byte(string(in.Local) + "+" + string(in.Remote)), nil
	})
	a.append(t, "agent-7", "x", false)
	b.append(t, "agent-7", "y", false)

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)
	assert.Contains(t, strategies(rec.Proposals), "synthesize")

	v, err := a.mgr.ApplyMerge(context.Background(), proposalFor(t, rec.Proposals, Synthesize, "").ID)
	require.NoError(t, err)
	assert.Equal(t, "x+y", string(v.Payload))
}

func TestApplyMerge_SynthesizeExpression(t *testing.T) {
	a, b := splitPair(t)
	require.NoError(t, a.reg.RegisterExpression("agent",
		`{"count": local.count + remote.count - ancestor.count}`))
	a.append(t, "agent-7", `{"count":5}`, false) // +2 from H3
	b.append(t, "agent-7", `{"count":7}`, false) // +4 from H3

	rec := a.reconcile(t, b, "agent-7")
	require.NotNil(t, rec)

	v, err := a.mgr.ApplyMerge(context.Background(), proposalFor(t, rec.Proposals, Synthesize, "").ID)
	require.NoError(t, err)

	var got map[string]float64
	require.NoError(t, json.Unmarshal(v.Payload, &got))
	assert.Equal(t, 9.0, got["count"])
}

func TestRegisterExpression_Errors(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.RegisterExpression("agent", ""))
	assert.Error(t, reg.RegisterExpression("agent", "local +"))

	require.NoError(t, reg.RegisterExpression("agent", "merge(ancestor, 1)"))
	fn, ok := reg.Lookup("agent")
	require.True(t, ok)
	_, err := fn(context.Background(), SynthesisInput{Ancestor: []byte(`{"a":1}`)})
	assert.Error(t, err)

	var nilReg *Registry
	_, ok = nilReg.Lookup("agent")
	assert.False(t, ok)
}

func TestReconcile_SupersedesOpenRecord(t *testing.T) {
	a, b := splitPair(t)
	a.append(t, "agent-7", "a4", false)
	b.append(t, "agent-7", "b4", false)
	first := a.reconcile(t, b, "agent-7")
	require.NotNil(t, first)

	b.append(t, "agent-7", "b5", false)
	second := a.reconcile(t, b, "agent-7")
	require.NotNil(t, second)
	assert.NotEqual(t, first.Point.ID, second.Point.ID)
	assert.Len(t, a.mgr.Open(), 1)

	_, err := a.mgr.ApplyMerge(context.Background(), first.Proposals[0].ID)
	assert.ErrorIs(t, err, ErrUnknownProposal)
}

func TestApplyMerge_UnknownProposal(t *testing.T) {
	a := newTestNode(t, "A")
	_, err := a.mgr.ApplyMerge(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownProposal)
	_, ok := a.mgr.Proposal("nope")
	assert.False(t, ok)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
	_, err = NewManager(Config{NodeID: "A"})
	assert.Error(t, err)
}

func hashesOf(vs []*versioned.StateVersion) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Hash
	}
	return out
}
