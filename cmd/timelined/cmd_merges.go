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
	"net/url"
	"strconv"

	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/spf13/cobra"
)

func (c *cli) mergesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "merges",
		Aliases: []string{"merge", "m"},
		Short:   "Inspect and resolve divergent histories",
	}
	cmd.AddCommand(c.mergesListCmd(), c.mergesResolveCmd(), c.mergesDivergencesCmd())
	return cmd
}

func (c *cli) mergesListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open merge proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if target != "" {
				q.Set("target", target)
			}
			var resp timeline.MergesResponse
			if err := c.client.get(cmd.Context(), "/merges", q, &resp); err != nil {
				return err
			}
			c.renderProposals(resp.Proposals)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Entity or group id")
	return cmd
}

func (c *cli) mergesResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <proposal-id>",
		Short: "Accept a merge proposal",
		Long: `Accept a merge proposal. The other proposals of the same divergence
are discarded. Accepting a superposition keeps both branches and leaves
the divergence open.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.VersionResponse
			if err := c.client.post(cmd.Context(), "/merges/"+url.PathEscape(args[0])+"/resolve", nil, &resp); err != nil {
				return err
			}
			c.renderVersion("accepted "+args[0]+" for", resp.Version)
			return nil
		},
	}
}

func (c *cli) mergesDivergencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "divergences",
		Short: "List open divergence records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.DivergencesResponse
			if err := c.client.get(cmd.Context(), "/divergences", nil, &resp); err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Divergences))
			for _, r := range resp.Divergences {
				ancestor := "-"
				if r.Point.Ancestor != nil {
					ancestor = versioned.ShortHash(r.Point.Ancestor.Hash)
				}
				rows = append(rows, []string{
					r.Point.ID,
					r.Point.EntityID,
					string(r.State),
					ancestor,
					fmt.Sprintf("%d/%d", len(r.Point.Local), len(r.Point.Remote)),
					strconv.Itoa(len(r.Proposals)),
				})
			}
			c.printer.Table([]string{"DIVERGENCE", "ENTITY", "STATE", "ANCESTOR", "LOCAL/REMOTE", "PROPOSALS"}, rows)
			return nil
		},
	}
}
