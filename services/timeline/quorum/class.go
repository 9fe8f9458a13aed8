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
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class categorizes an operation by the agreement it needs. The caller
// supplies it; it is never inferred from the payload.
type Class int

const (
	// Individual operations touch only one entity's private state.
	Individual Class = iota

	// Collective operations change state shared by a group.
	Collective

	// Destructive operations cannot be undone.
	Destructive
)

// String returns the lower-case class name.
func (c Class) String() string {
	switch c {
	case Individual:
		return "individual"
	case Collective:
		return "collective"
	case Destructive:
		return "destructive"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseClass parses a class name, case-insensitively.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual":
		return Individual, nil
	case "collective":
		return Collective, nil
	case "destructive":
		return Destructive, nil
	default:
		return 0, fmt.Errorf("unknown operation class %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(b []byte) error {
	parsed, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalYAML validates the class while decoding policy files.
func (c *Class) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}

// Verdict is the outcome of an authorization.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
	Defer Verdict = "defer"
)
