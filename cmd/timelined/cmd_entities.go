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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/spf13/cobra"
)

func (c *cli) entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entities",
		Aliases: []string{"entity", "e"},
		Short:   "Register entities and submit operations",
	}
	cmd.AddCommand(
		c.entitiesListCmd(),
		c.entitiesRegisterCmd(),
		c.entitiesSubmitCmd(),
		c.entitiesShowCmd(),
		c.entitiesTimelineCmd(),
		c.entitiesTerminateCmd(),
		c.entitiesSyncCmd(),
	)
	return cmd
}

// payloadArg validates a JSON payload flag.
func payloadArg(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, errors.New("payload must be valid JSON")
	}
	return json.RawMessage(s), nil
}

func (c *cli) entitiesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List entity ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.EntitiesResponse
			if err := c.client.get(cmd.Context(), "/entities", nil, &resp); err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Entities))
			for _, id := range resp.Entities {
				rows = append(rows, []string{id})
			}
			c.printer.Table([]string{"ENTITY"}, rows)
			return nil
		},
	}
}

func (c *cli) entitiesRegisterCmd() *cobra.Command {
	var entityType, payload string
	cmd := &cobra.Command{
		Use:   "register <entity-id>",
		Short: "Register an entity with its genesis state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := payloadArg(payload)
			if err != nil {
				return err
			}
			var resp timeline.VersionResponse
			err = c.client.post(cmd.Context(), "/entities", timeline.RegisterEntityRequest{
				EntityID:   args[0],
				EntityType: entityType,
				Payload:    raw,
			}, &resp)
			if err != nil {
				return err
			}
			c.renderVersion("registered", resp.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "Entity type (selects synthesis rules)")
	cmd.Flags().StringVar(&payload, "payload", "", "Initial state as JSON")
	return cmd
}

func (c *cli) entitiesSubmitCmd() *cobra.Command {
	var payload, class, changeType, expectedHead string
	cmd := &cobra.Command{
		Use:   "submit <entity-id>",
		Short: "Replace an entity's state through the quorum gate",
		Long: `Submit an operation that replaces the entity's state with --payload.

--class selects the quorum policy: individual (default), collective or
destructive. --expected-head rejects the write when the head moved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := payloadArg(payload)
			if err != nil {
				return err
			}
			if raw == nil {
				return errors.New("--payload is required")
			}
			var resp timeline.VersionResponse
			err = c.client.post(cmd.Context(), "/operations", timeline.OperationRequest{
				EntityID:     args[0],
				Class:        class,
				Payload:      raw,
				ChangeType:   changeType,
				ExpectedHead: expectedHead,
			}, &resp)
			if err != nil {
				return c.explain(err)
			}
			c.renderVersion("applied", resp.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "New state as JSON")
	cmd.Flags().StringVar(&class, "class", "", "Operation class: individual, collective or destructive")
	cmd.Flags().StringVar(&changeType, "change-type", "", "Change type recorded on the version")
	cmd.Flags().StringVar(&expectedHead, "expected-head", "", "Fail unless this hash is the current head")
	return cmd
}

func (c *cli) entitiesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show an entity's protection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st timeline.ProtectionStatus
			if err := c.client.get(cmd.Context(), "/entities/"+escapeID(args[0]), nil, &st); err != nil {
				return err
			}
			p := c.printer
			if !st.Registered {
				p.Warning(fmt.Sprintf("%s is not registered on this node", st.EntityID))
				return nil
			}
			pairs := [][2]string{
				{"entity_id", st.EntityID},
				{"type", st.EntityType},
				{"head", versioned.ShortHash(st.HeadHash)},
				{"timeline_length", strconv.Itoa(st.TimelineLength)},
				{"clock", formatClock(st.Clock)},
				{"partition", p.Status(st.Partition.State.String(), stateSeverity(st.Partition.State))},
				{"pending_merges", strconv.Itoa(st.PendingMerges)},
			}
			if st.Replica {
				pairs = append(pairs, [2]string{"replica", "true"})
			}
			if st.Terminated {
				pairs = append(pairs, [2]string{"terminated", "true"})
			}
			if st.Divergence != "" {
				pairs = append(pairs, [2]string{"divergence", string(st.Divergence)})
			}
			if len(st.AlternateHeads) > 0 {
				pairs = append(pairs, [2]string{"alternate_heads", strings.Join(st.AlternateHeads, ",")})
			}
			if len(st.Groups) > 0 {
				pairs = append(pairs, [2]string{"groups", strings.Join(st.Groups, ",")})
			}
			p.KeyValues("Entity", pairs)
			return nil
		},
	}
}

func (c *cli) entitiesTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <entity-id>",
		Short: "Print the canonical version chain, genesis first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.TimelineResponse
			if err := c.client.get(cmd.Context(), "/timelines/"+escapeID(args[0]), nil, &resp); err != nil {
				return err
			}
			rows := make([][]string, 0, len(resp.Versions))
			for _, v := range resp.Versions {
				rows = append(rows, []string{
					strconv.FormatUint(v.Sequence, 10),
					versioned.ShortHash(v.Hash),
					v.ChangeType,
					v.NodeID,
					formatClock(v.Clock),
					string(v.Payload),
				})
			}
			c.printer.Table([]string{"SEQ", "HASH", "CHANGE", "NODE", "CLOCK", "PAYLOAD"}, rows)
			return nil
		},
	}
}

func (c *cli) entitiesTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <entity-id>",
		Short: "Terminate an entity (destructive, needs every node)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.VersionResponse
			if err := c.client.post(cmd.Context(), "/terminate", timeline.EntityRequest{EntityID: args[0]}, &resp); err != nil {
				return c.explain(err)
			}
			c.renderVersion("terminated", resp.Version)
			return nil
		},
	}
}

func (c *cli) entitiesSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <entity-id>",
		Short: "Pull peer histories for an entity and reconcile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.SyncResponse
			if err := c.client.post(cmd.Context(), "/sync", timeline.EntityRequest{EntityID: args[0]}, &resp); err != nil {
				return err
			}
			if resp.Divergence == nil {
				c.printer.Success(resp.EntityID + " is in sync")
				return nil
			}
			ancestor := "-"
			if a := resp.Divergence.Point.Ancestor; a != nil {
				ancestor = versioned.ShortHash(a.Hash)
			}
			c.printer.Warning(fmt.Sprintf("%s diverged at %s", resp.EntityID, ancestor))
			c.renderProposals(resp.Divergence.Proposals)
			return nil
		},
	}
}

// explain adds the quorum decision of a refused operation.
func (c *cli) explain(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) || len(apiErr.Details) == 0 {
		return err
	}
	var d struct {
		Reason      string   `json:"reason"`
		Reachable   int      `json:"reachable"`
		Required    int      `json:"required"`
		Unreachable []string `json:"unreachable"`
	}
	if json.Unmarshal(apiErr.Details, &d) == nil && d.Reason != "" {
		c.printer.Info("reason: " + d.Reason)
		c.printer.Info(fmt.Sprintf("reachable %d of %d required", d.Reachable, d.Required))
		if len(d.Unreachable) > 0 {
			c.printer.Info("unreachable: " + strings.Join(d.Unreachable, ", "))
		}
	}
	return err
}
