// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policies embeds the default quorum policy table.
package policies

import (
	_ "embed"
)

// Default holds default.yaml, baked into the binary so every process in a
// cluster starts from the same table unless an operator overrides it.
//
//go:embed default.yaml
var Default []byte
