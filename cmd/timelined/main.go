// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command timelined runs a timeline node and manages running nodes.
//
// A node versions entity state, watches its peers for partitions, gates
// operations through the quorum policies and surfaces divergent histories
// as merge proposals once a partition heals.
//
// Usage:
//
//	timelined serve --config timeline.yaml
//	timelined status
//	timelined entities register fleet/agent-1 --payload '{"goal":"scout"}'
//	timelined entities submit fleet/agent-1 --payload '{"goal":"return"}' --class collective
//	timelined merges list
//	timelined merges resolve <proposal-id>
//	timelined groups create squad --member agent-a@node-a --member agent-b@node-b
//	timelined events --kinds partition,merge
//
// Client commands talk to --addr (default $TIMELINE_ADDR or
// http://127.0.0.1:7420) and send --token (default $TIMELINE_TOKEN) as a
// bearer token.
package main

import (
	"os"

	"github.com/AleutianAI/AleutianTimeline/pkg/ux"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		ux.NewPrinter(os.Stdout, os.Stderr, ux.DetectPersonality("", os.Stdout)).Error(err.Error())
		os.Exit(1)
	}
}
