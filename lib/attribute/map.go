// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package attribute

import (
	"fmt"
	"sort"
	"strings"
)

// Map holds attribute values for one plan entity. It is not safe for
// concurrent use; the owner of the entity serializes access.
type Map struct {
	reg    *Registry
	values map[string]interface{}
}

// NewMap returns an empty map whose keys come from reg.
func NewMap(reg *Registry) *Map {
	return &Map{reg: reg, values: map[string]interface{}{}}
}

// Get returns the value of k in m, or k's default if unset.
func Get[T any](m *Map, k *Key[T]) T {
	if v, ok := m.values[k.name]; ok {
		return v.(T)
	}
	return k.def
}

// Put sets the value of k in m and returns the previous value, if
// any.
func Put[T any](m *Map, k *Key[T], v T) (old T, replaced bool) {
	if prev, ok := m.values[k.name]; ok {
		old, replaced = prev.(T), true
	}
	m.values[k.name] = v
	return
}

// GetByName returns the value set for the named attribute. If it is
// registered but unset, the default is returned with ok==false.
func (m *Map) GetByName(name string) (v interface{}, ok bool) {
	if v, ok := m.values[name]; ok {
		return v, true
	}
	if d, found := m.reg.Lookup(name); found {
		return d.DefaultValue(), false
	}
	return nil, false
}

// SetString parses value with the registered key for name and stores
// the result.
func (m *Map) SetString(name, value string) error {
	d, ok := m.reg.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown attribute %q", name)
	}
	v, err := d.Parse(value)
	if err != nil {
		return err
	}
	m.values[name] = v
	return nil
}

// SetStrings calls SetString for each entry, and returns an error
// listing all entries that failed.
func (m *Map) SetStrings(values map[string]string) error {
	var errs []string
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.SetString(name, values[name]); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Strings returns the explicitly set values, formatted by their keys.
func (m *Map) Strings() map[string]string {
	if len(m.values) == 0 {
		return nil
	}
	out := make(map[string]string, len(m.values))
	for name, v := range m.values {
		if d, ok := m.reg.Lookup(name); ok {
			out[name] = d.Format(v)
		}
	}
	return out
}

// Len returns the number of explicitly set values.
func (m *Map) Len() int {
	return len(m.values)
}

// Clone returns a copy of m that shares its registry.
func (m *Map) Clone() *Map {
	clone := NewMap(m.reg)
	for name, v := range m.values {
		clone.values[name] = v
	}
	return clone
}

func (m *Map) String() string {
	return fmt.Sprint(m.values)
}
