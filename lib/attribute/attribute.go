// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package attribute provides typed, named configuration attributes
// for plan entities.
//
// Every key is declared once, with its name given literally at the
// declaration site, in a Registry that the caller constructs and
// passes around:
//
//	reg := attribute.NewRegistry()
//	memoryMB := attribute.Int(reg, "MEMORY_MB", 1024)
//	m := attribute.NewMap(reg)
//	attribute.Put(m, memoryMB, 2048)
//	attribute.Get(m, memoryMB) // 2048
//
// Values can also be set by name from strings (e.g., from a config
// file), in which case the registered key parses them.
package attribute

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// A Descriptor is the type-erased view of a registered key.
type Descriptor interface {
	Name() string
	// DefaultValue returns the value Get returns for an unset
	// attribute.
	DefaultValue() interface{}
	// Parse converts a string representation to a value of the
	// key's type.
	Parse(string) (interface{}, error)
	// Format converts a value of the key's type to a string that
	// Parse accepts.
	Format(interface{}) string
}

// Registry maps attribute names to keys. A zero Registry is not
// usable; call NewRegistry.
type Registry struct {
	mtx  sync.RWMutex
	keys map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: map[string]Descriptor{}}
}

// Lookup returns the key registered with the given name.
func (reg *Registry) Lookup(name string) (Descriptor, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	d, ok := reg.keys[name]
	return d, ok
}

// Names returns the registered names in sorted order.
func (reg *Registry) Names() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	var names []string
	for name := range reg.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (reg *Registry) add(d Descriptor) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if d.Name() == "" {
		panic("attribute key registered with empty name")
	}
	if _, dup := reg.keys[d.Name()]; dup {
		panic(fmt.Sprintf("attribute key %q registered twice", d.Name()))
	}
	reg.keys[d.Name()] = d
}

// Key is a typed attribute key.
type Key[T any] struct {
	name   string
	def    T
	parse  func(string) (T, error)
	format func(T) string
}

// Register declares a new key in reg. It panics if the name is empty
// or already registered.
func Register[T any](reg *Registry, name string, def T, parse func(string) (T, error), format func(T) string) *Key[T] {
	k := &Key[T]{name: name, def: def, parse: parse, format: format}
	reg.add(k)
	return k
}

func (k *Key[T]) Name() string              { return k.name }
func (k *Key[T]) Default() T                { return k.def }
func (k *Key[T]) DefaultValue() interface{} { return k.def }

func (k *Key[T]) Parse(s string) (interface{}, error) {
	v, err := k.parse(s)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", k.name, err)
	}
	return v, nil
}

func (k *Key[T]) Format(v interface{}) string {
	if tv, ok := v.(T); ok {
		return k.format(tv)
	}
	return fmt.Sprint(v)
}

func (k *Key[T]) String() string {
	return fmt.Sprintf("Attribute{name=%s, default=%v}", k.name, k.def)
}

// Int declares an int-valued key.
func Int(reg *Registry, name string, def int) *Key[int] {
	return Register(reg, name, def, strconv.Atoi, strconv.Itoa)
}

// Int64 declares an int64-valued key.
func Int64(reg *Registry, name string, def int64) *Key[int64] {
	return Register(reg, name, def, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	}, func(v int64) string {
		return strconv.FormatInt(v, 10)
	})
}

// Bool declares a bool-valued key.
func Bool(reg *Registry, name string, def bool) *Key[bool] {
	return Register(reg, name, def, strconv.ParseBool, strconv.FormatBool)
}

// String declares a string-valued key.
func String(reg *Registry, name string, def string) *Key[string] {
	return Register(reg, name, def, func(s string) (string, error) { return s, nil }, func(s string) string { return s })
}

// Duration declares a time.Duration-valued key.
func Duration(reg *Registry, name string, def time.Duration) *Key[time.Duration] {
	return Register(reg, name, def, time.ParseDuration, time.Duration.String)
}
