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
	"os"

	"github.com/AleutianAI/AleutianTimeline/pkg/ux"
	"github.com/spf13/cobra"
)

const (
	envAddr  = "TIMELINE_ADDR"
	envToken = "TIMELINE_TOKEN"

	defaultAddr = "http://127.0.0.1:7420"
)

// cli holds the global flags and the per-invocation printer and client.
type cli struct {
	addr   string
	token  string
	output string

	printer *ux.Printer
	client  *apiClient
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "timelined",
		Short: "Partition-tolerant entity state versioning",
		Long: `timelined keeps a causally ordered history of every entity's state,
detects network partitions between nodes and reconciles divergent
histories once they heal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var f *os.File
			if out, ok := cmd.OutOrStdout().(*os.File); ok {
				f = out
			}
			c.printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), ux.DetectPersonality(c.output, f))
			c.client = newAPIClient(c.addr, c.token)
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.addr, "addr", envOr(envAddr, defaultAddr), "Node API address")
	rootCmd.PersistentFlags().StringVar(&c.token, "token", os.Getenv(envToken), "Bearer token for the node API")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "", "Output style: standard, minimal or machine")

	rootCmd.AddCommand(
		c.serveCmd(),
		c.statusCmd(),
		c.entitiesCmd(),
		c.mergesCmd(),
		c.groupsCmd(),
		c.eventsCmd(),
		c.auditCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
