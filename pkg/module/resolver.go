// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package module answers whether a named module is loaded in the current
// process. It never loads anything.
package module

import "strings"

// Handle identifies a loaded module (its base address).
type Handle uintptr

// Resolver looks up a loaded module by name.
type Resolver interface {
	Resolve(name string) (Handle, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (Handle, bool)

// Resolve calls f.
func (f ResolverFunc) Resolve(name string) (Handle, bool) {
	return f(name)
}

// Static resolves from a fixed table. Names match case-insensitively.
type Static map[string]Handle

// Resolve looks name up in the table.
func (s Static) Resolve(name string) (Handle, bool) {
	for k, h := range s {
		if strings.EqualFold(k, name) {
			return h, true
		}
	}
	return 0, false
}

// System returns the resolver for the running platform.
func System() Resolver {
	return systemResolver{}
}
