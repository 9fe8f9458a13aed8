// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quorum

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	view  partition.View
	peers []partition.Peer
}

func (f *fakeSource) View() partition.View    { return f.view }
func (f *fakeSource) Peers() []partition.Peer { return f.peers }

// cluster builds a view for node n1 with peers n2..nN, of which the
// first reachablePeers answer.
func cluster(n, reachablePeers int, state partition.State) *fakeSource {
	src := &fakeSource{view: partition.View{NodeID: "n1", Status: partition.Status{State: state}}}
	for i := 2; i <= n; i++ {
		id := fmt.Sprintf("n%d", i)
		src.peers = append(src.peers, partition.Peer{ID: id, Address: "http://" + id})
		if i-2 < reachablePeers {
			src.view.Reachable = append(src.view.Reachable, id)
		} else {
			src.view.Unreachable = append(src.view.Unreachable, id)
		}
	}
	return src
}

func members(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("n%d", i+1)
	}
	return out
}

type fakeAcker struct {
	refuse map[string]bool
	block  bool
	asked  []string
}

func (a *fakeAcker) Acknowledge(ctx context.Context, peer partition.Peer, req AckRequest) (AckResponse, error) {
	if a.block {
		<-ctx.Done()
		return AckResponse{}, ctx.Err()
	}
	if a.refuse[peer.ID] {
		return AckResponse{SenderID: peer.ID, Ack: false, Reason: "busy"}, nil
	}
	return AckResponse{SenderID: peer.ID, Ack: true}, nil
}

func newEngine(t *testing.T, src ViewSource, acker Acknowledger) *Engine {
	t.Helper()
	e, err := NewEngine(Config{NodeID: "n1", Source: src, Acker: acker})
	require.NoError(t, err)
	return e
}

func TestAuthorize_Individual(t *testing.T) {
	for _, st := range []partition.State{partition.Connected, partition.Suspected, partition.Confirmed} {
		t.Run(st.String(), func(t *testing.T) {
			e := newEngine(t, cluster(5, 0, st), nil)
			d := e.Authorize(context.Background(), Request{Class: Individual, Subject: "e1"})
			assert.True(t, d.Allowed())
			assert.NoError(t, d.Err())
		})
	}
}

func TestAuthorize_Collective(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		reachable int // including the local node
		state     partition.State
		degraded  bool
		want      Verdict
		required  int
	}{
		{"five with two reachable", 5, 2, partition.Connected, false, Deny, 4},
		{"five with three reachable", 5, 3, partition.Connected, false, Deny, 4},
		{"five with four reachable", 5, 4, partition.Connected, false, Allow, 4},
		{"seven with four reachable", 7, 4, partition.Connected, false, Deny, 5},
		{"seven with five reachable", 7, 5, partition.Suspected, false, Allow, 5},
		{"seven with three reachable", 7, 3, partition.Connected, false, Deny, 5},
		{"four with two reachable", 4, 2, partition.Connected, false, Deny, 3},
		{"four with three reachable", 4, 3, partition.Connected, false, Allow, 3},
		{"six with three reachable", 6, 3, partition.Connected, false, Deny, 4},
		{"six with four reachable", 6, 4, partition.Connected, false, Allow, 4},
		{"three with two reachable", 3, 2, partition.Connected, false, Deny, 3},
		{"two with both reachable", 2, 2, partition.Connected, false, Allow, 2},
		{"single member", 1, 1, partition.Connected, false, Allow, 1},
		{"majority but confirmed", 5, 4, partition.Confirmed, false, Deny, 0},
		{"degraded majority while confirmed", 5, 5, partition.Confirmed, true, Allow, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, cluster(tt.size, tt.reachable-1, tt.state), nil)
			d := e.Authorize(context.Background(), Request{
				Class:            Collective,
				Subject:          "g1",
				MemberNodes:      members(tt.size),
				DegradedMajority: tt.degraded,
			})
			assert.Equal(t, tt.want, d.Verdict, d.Reason)
			assert.Equal(t, tt.size, d.GroupSize)
			assert.Equal(t, tt.reachable, d.Reachable)
			assert.Equal(t, tt.required, d.Required)
			if tt.want == Deny {
				assert.ErrorIs(t, d.Err(), ErrInsufficientQuorum)
				assert.Len(t, d.Unreachable, tt.size-tt.reachable)
			}
		})
	}
}

func TestAuthorize_ClusterDefaultMembership(t *testing.T) {
	e := newEngine(t, cluster(4, 2, partition.Connected), nil)
	d := e.Authorize(context.Background(), Request{Class: Collective, Subject: "e1"})
	assert.True(t, d.Allowed())
	assert.Equal(t, 4, d.GroupSize)
	assert.Equal(t, 3, d.Reachable)

	e = newEngine(t, cluster(3, 1, partition.Connected), nil)
	d = e.Authorize(context.Background(), Request{Class: Collective, Subject: "e1"})
	assert.False(t, d.Allowed())
	assert.Equal(t, 2, d.Reachable)
	assert.Equal(t, 3, d.Required)
}

func TestAuthorize_MembersSharingANode(t *testing.T) {
	// Four members on the local node, one on an unreachable peer.
	e := newEngine(t, cluster(2, 0, partition.Connected), nil)
	d := e.Authorize(context.Background(), Request{
		Class:       Collective,
		MemberNodes: []string{"n1", "n1", "n1", "n1", "n2"},
	})
	assert.True(t, d.Allowed())
	assert.Equal(t, 4, d.Reachable)
	assert.Equal(t, []string{"n2"}, d.Unreachable)

	d = e.Authorize(context.Background(), Request{
		Class:       Collective,
		MemberNodes: []string{"n1", "n1", "n1", "n2", "n2"},
	})
	assert.False(t, d.Allowed())
	assert.Equal(t, 3, d.Reachable)
	assert.Equal(t, 4, d.Required)
}

func TestMajoritySize(t *testing.T) {
	tests := map[int]int{0: 0, 1: 1, 2: 2, 3: 3, 4: 3, 5: 4, 6: 4, 7: 5, 8: 5, 9: 6, 10: 6}
	for size, want := range tests {
		assert.Equal(t, want, MajoritySize(size), "size %d", size)
	}
}

func TestAuthorize_Destructive(t *testing.T) {
	t.Run("all acknowledge", func(t *testing.T) {
		e := newEngine(t, cluster(3, 2, partition.Connected), &fakeAcker{})
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.True(t, d.Allowed(), d.Reason)
		assert.Equal(t, []string{"n1", "n2", "n3"}, d.Acknowledged)
	})

	t.Run("one refuses", func(t *testing.T) {
		e := newEngine(t, cluster(3, 2, partition.Connected), &fakeAcker{refuse: map[string]bool{"n3": true}})
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Deny, d.Verdict)
		assert.Contains(t, d.Unreachable, "n3")
	})

	t.Run("one unreachable", func(t *testing.T) {
		e := newEngine(t, cluster(3, 1, partition.Connected), &fakeAcker{})
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Deny, d.Verdict)
		assert.Equal(t, 3, d.Required)
	})

	t.Run("suspected defers", func(t *testing.T) {
		e := newEngine(t, cluster(3, 2, partition.Suspected), &fakeAcker{})
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Defer, d.Verdict)
		assert.ErrorIs(t, d.Err(), ErrDeferred)
		assert.ErrorIs(t, d.Err(), ErrInsufficientQuorum)
	})

	t.Run("ack timeout denies", func(t *testing.T) {
		set, err := ParsePolicies([]byte(`
version: 1
policies:
  - {class: individual, rule: always}
  - {class: collective, rule: majority}
  - {class: destructive, rule: unanimous, ack_timeout: 20ms}
`))
		require.NoError(t, err)
		e, err := NewEngine(Config{NodeID: "n1", Source: cluster(2, 1, partition.Connected), Acker: &fakeAcker{block: true}, Policies: set})
		require.NoError(t, err)

		start := time.Now()
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Deny, d.Verdict)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("cancelled context denies", func(t *testing.T) {
		e := newEngine(t, cluster(2, 1, partition.Connected), &fakeAcker{block: true})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d := e.Authorize(ctx, Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Deny, d.Verdict)
		assert.Contains(t, d.Reason, "cancelled")
	})

	t.Run("local only", func(t *testing.T) {
		e := newEngine(t, cluster(1, 0, partition.Connected), nil)
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.True(t, d.Allowed())
	})

	t.Run("no transport", func(t *testing.T) {
		e := newEngine(t, cluster(2, 1, partition.Connected), nil)
		d := e.Authorize(context.Background(), Request{Class: Destructive, Subject: "e1"})
		assert.Equal(t, Deny, d.Verdict)
	})
}

func TestAuthorize_Guard(t *testing.T) {
	set, err := ParsePolicies([]byte(`
version: 1
policies:
  - {class: individual, rule: always}
  - class: collective
    rule: majority
    guard: 'reachable >= 3 && !subject.startsWith("frozen/")'
  - {class: destructive, rule: unanimous}
`))
	require.NoError(t, err)

	e, err := NewEngine(Config{NodeID: "n1", Source: cluster(5, 4, partition.Connected), Policies: set})
	require.NoError(t, err)

	d := e.Authorize(context.Background(), Request{Class: Collective, Subject: "g1"})
	assert.True(t, d.Allowed())

	d = e.Authorize(context.Background(), Request{Class: Collective, Subject: "frozen/g1"})
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, "policy guard rejected", d.Reason)
}

func TestParsePolicies_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad version", "version: 2\npolicies: []"},
		{"missing class", "version: 1\npolicies:\n  - {class: individual, rule: always}"},
		{"bad rule", "version: 1\npolicies:\n  - {class: individual, rule: sometimes}"},
		{"bad class", "version: 1\npolicies:\n  - {class: cosmic, rule: always}"},
		{"bad state", "version: 1\npolicies:\n  - {class: individual, rule: always, deny_states: [MAYBE]}"},
		{"duplicate", "version: 1\npolicies:\n  - {class: individual, rule: always}\n  - {class: individual, rule: always}"},
		{"non bool guard", "version: 1\npolicies:\n  - {class: individual, rule: always, guard: 'reachable + 1'}"},
		{"bad guard", "version: 1\npolicies:\n  - {class: individual, rule: always, guard: 'nope('}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultPolicies(t *testing.T) {
	set, err := DefaultPolicies()
	require.NoError(t, err)

	p, ok := set.For(Destructive)
	require.True(t, ok)
	assert.Equal(t, RuleUnanimous, p.Rule)
	assert.Equal(t, 10*time.Second, p.AckTimeout)
}

func TestHandleAck(t *testing.T) {
	e := newEngine(t, cluster(2, 1, partition.Connected), nil)

	resp := e.HandleAck(AckRequest{SenderID: "n2", Subject: "e1", Class: Destructive})
	assert.True(t, resp.Ack)
	assert.Equal(t, "n1", resp.SenderID)

	e.SetAckHook(func(req AckRequest) (bool, string) {
		return req.Subject != "e1", "divergence pending"
	})
	resp = e.HandleAck(AckRequest{SenderID: "n2", Subject: "e1", Class: Destructive})
	assert.False(t, resp.Ack)
	assert.Equal(t, "divergence pending", resp.Reason)
}

func TestClass_Parse(t *testing.T) {
	c, err := ParseClass(" Collective ")
	require.NoError(t, err)
	assert.Equal(t, Collective, c)

	_, err = ParseClass("x")
	assert.Error(t, err)

	var back Class
	require.NoError(t, back.UnmarshalText([]byte("destructive")))
	assert.Equal(t, Destructive, back)
}

func TestDecisionError(t *testing.T) {
	d := Decision{Verdict: Deny, Class: Collective, Reason: "insufficient quorum", Reachable: 2, Required: 3}
	err := d.Err()
	var de *DecisionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 2, de.Decision.Reachable)
	assert.Contains(t, err.Error(), "reachable=2 required=3")
}
