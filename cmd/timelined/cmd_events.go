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
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/AleutianAI/AleutianTimeline/pkg/ux"
	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func (c *cli) eventsCmd() *cobra.Command {
	var (
		kinds []string
		count int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream partition, version, divergence and merge events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u := c.client.wsURL("/events")
			if len(kinds) > 0 {
				u += "?kinds=" + url.QueryEscape(strings.Join(kinds, ","))
			}
			header := http.Header{}
			if c.client.token != "" {
				header.Set("Authorization", "Bearer "+c.client.token)
			}
			ws, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("event stream refused: %s", resp.Status)
				}
				return fmt.Errorf("connect event stream: %w", err)
			}
			defer ws.Close()

			go func() {
				<-cmd.Context().Done()
				ws.Close()
			}()

			for seen := 0; count == 0 || seen < count; seen++ {
				var ev timeline.Event
				if err := ws.ReadJSON(&ev); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
						cmd.Context().Err() != nil {
						return nil
					}
					return fmt.Errorf("read event: %w", err)
				}
				c.printer.Info(formatEvent(&ev))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Event kinds to stream (partition,version,divergence,merge)")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events (0 streams until interrupted)")
	return cmd
}

func formatEvent(ev *timeline.Event) string {
	at := formatTime(ev.At)
	switch ev.Kind {
	case timeline.EventPartition:
		if ev.Partition == nil {
			return fmt.Sprintf("%s partition", at)
		}
		return fmt.Sprintf("%s partition %s -> %s episode=%s",
			at, ev.Partition.From, ev.Partition.To, ev.Partition.EpisodeID)
	case timeline.EventVersion:
		s := fmt.Sprintf("%s version %s seq=%d hash=%s change=%s",
			at, ev.EntityID, ev.Sequence, versioned.ShortHash(ev.Hash), ev.ChangeType)
		if ev.Tentative {
			s += " tentative"
		}
		return s
	case timeline.EventDivergence:
		return fmt.Sprintf("%s divergence %s id=%s proposals=%d", at, ev.EntityID, ev.DivergenceID, ev.Proposals)
	case timeline.EventMerge:
		return fmt.Sprintf("%s merge %s proposal=%s strategy=%s hash=%s",
			at, ev.EntityID, ev.ProposalID, ev.Strategy, versioned.ShortHash(ev.Hash))
	default:
		return fmt.Sprintf("%s %s", at, ev.Kind)
	}
}

func (c *cli) auditCmd() *cobra.Command {
	var (
		types []string
		user  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the operator audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, t := range types {
				q.Add("type", t)
			}
			if user != "" {
				q.Set("user", user)
			}
			q.Set("limit", strconv.Itoa(limit))
			var resp timeline.AuditResponse
			if err := c.client.get(cmd.Context(), "/audit", q, &resp); err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Events))
			for _, e := range resp.Events {
				outcome := c.printer.Status(e.Outcome, auditSeverity(e.Outcome))
				rows = append(rows, []string{formatTime(e.Timestamp), e.UserID, e.EventType, e.ResourceID, outcome})
			}
			c.printer.Table([]string{"TIME", "USER", "EVENT", "RESOURCE", "OUTCOME"}, rows)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Event types, e.g. merge.resolve")
	cmd.Flags().StringVar(&user, "user", "", "Only events by this user")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events")
	return cmd
}

func auditSeverity(outcome string) ux.Severity {
	if outcome == extensions.OutcomeSuccess {
		return ux.SeverityOK
	}
	return ux.SeverityError
}
