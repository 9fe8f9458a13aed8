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
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/spf13/cobra"
)

func (c *cli) groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "groups",
		Aliases: []string{"group", "g"},
		Short:   "Manage entity groups",
	}
	cmd.AddCommand(
		c.groupsListCmd(),
		c.groupsShowCmd(),
		c.groupsCreateCmd(),
		c.groupsSubmitCmd(),
		c.groupsAddMemberCmd(),
		c.groupsRemoveMemberCmd(),
	)
	return cmd
}

// parseMember parses "entity@node". The last '@' separates the node.
func parseMember(s string) (group.Member, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return group.Member{}, fmt.Errorf("member %q: want entity@node", s)
	}
	return group.Member{EntityID: s[:i], NodeID: s[i+1:]}, nil
}

func groupPath(id string, rest ...string) string {
	return "/groups/" + url.PathEscape(id) + strings.Join(rest, "")
}

func (c *cli) groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups known to the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp timeline.GroupsResponse
			if err := c.client.get(cmd.Context(), "/groups", nil, &resp); err != nil {
				return err
			}
			c.renderGroups(resp.Groups)
			return nil
		},
	}
}

func (c *cli) renderSnapshot(snap *group.Snapshot) {
	p := c.printer
	pairs := [][2]string{
		{"group_id", snap.GroupID},
		{"mode", p.Status(string(snap.Mode), modeSeverity(snap.Mode))},
		{"denominator", strconv.Itoa(snap.Denominator)},
		{"harmony", fmt.Sprintf("%.2f", snap.Harmony)},
		{"membership_version", strconv.FormatUint(snap.MembershipVersion, 10)},
	}
	if snap.EpisodeID != "" {
		pairs = append(pairs, [2]string{"episode", snap.EpisodeID})
	}
	if len(snap.Blocked) > 0 {
		pairs = append(pairs, [2]string{"blocked", strings.Join(snap.Blocked, ",")})
	}
	p.KeyValues("Group", pairs)

	local := make(map[string]bool, len(snap.LocalPartition))
	for _, m := range snap.LocalPartition {
		local[m.EntityID] = true
	}
	rows := make([][]string, 0, len(snap.Members))
	for _, m := range snap.Members {
		side := ""
		if len(snap.LocalPartition) > 0 {
			side = "remote"
			if local[m.EntityID] {
				side = "local"
			}
		}
		rows = append(rows, []string{m.EntityID, m.NodeID, side})
	}
	p.Table([]string{"MEMBER", "NODE", "PARTITION"}, rows)
}

func (c *cli) groupsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show a group's mode and members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap group.Snapshot
			if err := c.client.get(cmd.Context(), groupPath(args[0]), nil, &snap); err != nil {
				return err
			}
			c.renderSnapshot(&snap)
			return nil
		},
	}
}

func (c *cli) groupsCreateCmd() *cobra.Command {
	var members []string
	cmd := &cobra.Command{
		Use:   "create <group-id> --member entity@node ...",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(members) == 0 {
				return errors.New("at least one --member is required")
			}
			req := timeline.CreateGroupRequest{GroupID: args[0]}
			for _, s := range members {
				m, err := parseMember(s)
				if err != nil {
					return err
				}
				req.Members = append(req.Members, m)
			}
			var snap group.Snapshot
			if err := c.client.post(cmd.Context(), "/groups", req, &snap); err != nil {
				return err
			}
			c.printer.Success(fmt.Sprintf("created group %s with %d members", snap.GroupID, len(snap.Members)))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&members, "member", nil, "Member as entity@node (repeatable)")
	return cmd
}

func (c *cli) groupsSubmitCmd() *cobra.Command {
	var payload, class, changeType, expectedHead string
	cmd := &cobra.Command{
		Use:   "submit <group-id>",
		Short: "Replace a group's aggregate state through the group quorum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := payloadArg(payload)
			if err != nil {
				return err
			}
			if raw == nil {
				return errors.New("--payload is required")
			}
			var resp timeline.VersionResponse
			err = c.client.post(cmd.Context(), groupPath(args[0], "/operations"), timeline.GroupOperationRequest{
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
	cmd.Flags().StringVar(&payload, "payload", "", "New aggregate state as JSON")
	cmd.Flags().StringVar(&class, "class", "collective", "Operation class")
	cmd.Flags().StringVar(&changeType, "change-type", "", "Change type recorded on the version")
	cmd.Flags().StringVar(&expectedHead, "expected-head", "", "Fail unless this hash is the current head")
	return cmd
}

func (c *cli) groupsAddMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-member <group-id> <entity@node>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMember(args[1])
			if err != nil {
				return err
			}
			var snap group.Snapshot
			if err := c.client.post(cmd.Context(), groupPath(args[0], "/members"), m, &snap); err != nil {
				return err
			}
			c.printer.Success(fmt.Sprintf("%s joined %s (membership v%d)", m.EntityID, snap.GroupID, snap.MembershipVersion))
			return nil
		},
	}
}

func (c *cli) groupsRemoveMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <group-id> <entity-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap group.Snapshot
			err := c.client.post(cmd.Context(), groupPath(args[0], "/members/remove"), timeline.EntityRequest{EntityID: args[1]}, &snap)
			if err != nil {
				return err
			}
			c.printer.Success(fmt.Sprintf("%s left %s (membership v%d)", args[1], snap.GroupID, snap.MembershipVersion))
			return nil
		},
	}
}
