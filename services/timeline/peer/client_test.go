// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newPeerServer serves the peer endpoints for one fake process that knows
// the entities in histories.
func newPeerServer(t *testing.T, id string, histories map[string]divergence.RemoteHistory) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.POST(HeartbeatPath, func(c *gin.Context) {
		var ping partition.Ping
		if err := c.ShouldBindJSON(&ping); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, partition.Pong{SenderID: id, ClockSummary: map[string]uint64{ping.SenderID: 1}})
	})
	r.POST(AckPath, func(c *gin.Context) {
		var req quorum.AckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, quorum.AckResponse{SenderID: id, Ack: req.Subject != "protected"})
	})
	r.GET(HistoryPath+"/*id", func(c *gin.Context) {
		h, ok := histories[strings.TrimPrefix(c.Param("id"), "/")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity"})
			return
		}
		c.JSON(http.StatusOK, h)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe(t *testing.T) {
	srv := newPeerServer(t, "n2", nil)
	c := NewClient(Config{})

	pong, err := c.Probe(context.Background(), partition.Peer{ID: "n2", Address: srv.URL}, partition.Ping{SenderID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "n2", pong.SenderID)
	assert.Equal(t, uint64(1), pong.ClockSummary["n1"])
}

func TestProbe_Unreachable(t *testing.T) {
	srv := newPeerServer(t, "n2", nil)
	addr := srv.URL
	srv.Close()

	c := NewClient(Config{HTTPClient: &http.Client{Timeout: time.Second}})
	_, err := c.Probe(context.Background(), partition.Peer{ID: "n2", Address: addr}, partition.Ping{SenderID: "n1"})
	assert.Error(t, err)
}

func TestAcknowledge(t *testing.T) {
	srv := newPeerServer(t, "n2", nil)
	c := NewClient(Config{})
	p := partition.Peer{ID: "n2", Address: srv.URL}

	resp, err := c.Acknowledge(context.Background(), p, quorum.AckRequest{SenderID: "n1", Subject: "e1", Class: quorum.Destructive})
	require.NoError(t, err)
	assert.True(t, resp.Ack)

	resp, err = c.Acknowledge(context.Background(), p, quorum.AckRequest{SenderID: "n1", Subject: "protected", Class: quorum.Destructive})
	require.NoError(t, err)
	assert.False(t, resp.Ack)
}

func TestFetchHistory(t *testing.T) {
	srv := newPeerServer(t, "n2", map[string]divergence.RemoteHistory{
		"membership/g": {EntityID: "membership/g", Head: "abc"},
	})
	c := NewClient(Config{})
	p := partition.Peer{ID: "n2", Address: srv.URL}

	h, err := c.FetchHistory(context.Background(), p, "membership/g")
	require.NoError(t, err)
	assert.Equal(t, "abc", h.Head)
	assert.Equal(t, "n2", h.NodeID)

	_, err = c.FetchHistory(context.Background(), p, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchHistories_SkipsFailingPeers(t *testing.T) {
	a := newPeerServer(t, "n2", map[string]divergence.RemoteHistory{"e1": {NodeID: "n2", EntityID: "e1", Head: "h2"}})
	b := newPeerServer(t, "n3", map[string]divergence.RemoteHistory{"e1": {NodeID: "n3", EntityID: "e1", Head: "h3"}})
	unknown := newPeerServer(t, "n4", nil)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	c := NewClient(Config{Peers: func() []partition.Peer {
		return []partition.Peer{
			{ID: "n2", Address: a.URL},
			{ID: "n3", Address: b.URL},
			{ID: "n4", Address: unknown.URL},
			{ID: "n5", Address: broken.URL},
		}
	}})

	got, err := c.FetchHistories(context.Background(), "e1")
	require.NoError(t, err)
	var heads []string
	for _, h := range got {
		heads = append(heads, h.Head)
	}
	sort.Strings(heads)
	assert.Equal(t, []string{"h2", "h3"}, heads)
}
