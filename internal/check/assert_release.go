//go:build !debug

// Package check holds invariant assertions compiled in only under the
// debug build tag; release binaries pay nothing for them.
package check

// Assert and Assertf compile to nothing outside debug builds.
func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}
