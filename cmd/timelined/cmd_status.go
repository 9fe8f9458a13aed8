// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/ux"
	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node, partition and group status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st timeline.NodeStatus
			if err := c.client.get(cmd.Context(), "/status", nil, &st); err != nil {
				return err
			}
			c.renderStatus(&st)
			return nil
		},
	}
}

func (c *cli) renderStatus(st *timeline.NodeStatus) {
	p := c.printer
	pairs := [][2]string{
		{"node_id", st.NodeID},
		{"version", st.Version},
		{"partition", p.Status(st.Partition.Status.State.String(), stateSeverity(st.Partition.Status.State))},
	}
	if st.Partition.Status.EpisodeID != "" {
		pairs = append(pairs, [2]string{"episode", st.Partition.Status.EpisodeID})
	}
	if !st.Partition.Status.Since.IsZero() {
		pairs = append(pairs, [2]string{"since", formatTime(st.Partition.Status.Since)})
	}
	pairs = append(pairs,
		[2]string{"entities", strconv.Itoa(st.Entities)},
		[2]string{"open_divergences", strconv.Itoa(st.OpenDivergences)},
		[2]string{"clock", formatClock(st.ClockSummary)},
	)
	p.KeyValues("Node", pairs)

	unreachable := make(map[string]bool, len(st.Partition.Unreachable))
	for _, id := range st.Partition.Unreachable {
		unreachable[id] = true
	}
	rows := make([][]string, 0, len(st.Partition.Peers))
	for _, peer := range st.Partition.Peers {
		reach := p.Status("reachable", ux.SeverityOK)
		if unreachable[peer.ID] {
			reach = p.Status("unreachable", ux.SeverityError)
		}
		rows = append(rows, []string{peer.ID, peer.Address, reach, strconv.Itoa(peer.Misses), formatTime(peer.LastSeen)})
	}
	p.Title("Peers")
	p.Table([]string{"PEER", "ADDRESS", "STATE", "MISSES", "LAST SEEN"}, rows)

	if len(st.Groups) > 0 {
		p.Title("Groups")
		c.renderGroups(st.Groups)
	}
}

func (c *cli) renderGroups(groups []group.Snapshot) {
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			g.GroupID,
			c.printer.Status(string(g.Mode), modeSeverity(g.Mode)),
			strconv.Itoa(len(g.Members)),
			fmt.Sprintf("%.2f", g.Harmony),
			strings.Join(g.Blocked, ","),
		})
	}
	c.printer.Table([]string{"GROUP", "MODE", "MEMBERS", "HARMONY", "BLOCKED"}, rows)
}

func (c *cli) renderVersion(action string, v *versioned.StateVersion) {
	if v == nil {
		return
	}
	c.printer.Success(fmt.Sprintf("%s %s seq=%d hash=%s", action, v.EntityID, v.Sequence, versioned.ShortHash(v.Hash)))
	if !c.printer.Machine() {
		c.printer.Muted("clock " + formatClock(v.Clock))
		if v.Tentative {
			c.printer.Warning("version is tentative until the partition heals")
		}
	}
}

func (c *cli) renderProposals(proposals []divergence.Proposal) {
	rows := make([][]string, 0, len(proposals))
	for _, pr := range proposals {
		rows = append(rows, []string{pr.ID, pr.EntityID, string(pr.Strategy), string(pr.Branch), pr.Description})
	}
	c.printer.Table([]string{"PROPOSAL", "ENTITY", "STRATEGY", "BRANCH", "DESCRIPTION"}, rows)
}

func stateSeverity(s partition.State) ux.Severity {
	switch s {
	case partition.Connected:
		return ux.SeverityOK
	case partition.Suspected:
		return ux.SeverityWarning
	default:
		return ux.SeverityError
	}
}

func modeSeverity(m group.Mode) ux.Severity {
	switch m {
	case group.Normal:
		return ux.SeverityOK
	case group.Dormant:
		return ux.SeverityError
	default:
		return ux.SeverityWarning
	}
}

func formatClock(clock map[string]uint64) string {
	if len(clock) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(clock))
	for k := range clock {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, clock[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
