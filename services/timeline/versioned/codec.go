// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Key layout:
//
//	entity:{id}          -> Entity JSON
//	head:{id}            -> head hash
//	version:{id}:{hash}  -> [4-byte CRC32][StateVersion JSON]
//	branch:{id}:{hash}   -> empty marker for an unmerged alternate tip

func entityKey(id string) []byte {
	return []byte("entity:" + id)
}

func entityPrefix() []byte {
	return []byte("entity:")
}

func headKey(id string) []byte {
	return []byte("head:" + id)
}

func versionKey(id, hash string) []byte {
	return []byte("version:" + id + ":" + hash)
}

func branchKey(id, hash string) []byte {
	return []byte("branch:" + id + ":" + hash)
}

func branchPrefix(id string) []byte {
	return []byte("branch:" + id + ":")
}

func encodeVersion(v *StateVersion) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal version: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeVersion(data []byte) (*StateVersion, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: record too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var v StateVersion
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &v, nil
}
