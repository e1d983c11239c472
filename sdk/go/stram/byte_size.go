// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON/YAML it can be given as a
// plain integer or as a string with a unit, like "1GiB" or "512 MB".
type ByteSize int64

// UnmarshalJSON implements json.Unmarshaler.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	return n.Set(s)
}

// MarshalJSON implements json.Marshaler. Sizes are always encoded as
// plain integers so that other tools can read them.
func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

// Set implements flag.Value.
func (n *ByteSize) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || strings.IndexAny(s[:1], "0123456789.") < 0 {
		return fmt.Errorf("invalid byte size %q", s)
	}
	val, err := humanize.ParseBigBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if !val.IsInt64() {
		return fmt.Errorf("size %q overflows int64", s)
	}
	*n = ByteSize(val.Int64())
	return nil
}

// String returns a human-readable IEC representation, like "1.0 GiB".
func (n ByteSize) String() string {
	if n < 0 {
		return fmt.Sprintf("%d B", int64(n))
	}
	return humanize.IBytes(uint64(n))
}
