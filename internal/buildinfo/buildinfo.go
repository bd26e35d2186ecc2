// Package buildinfo holds the version string stamped into each
// binary's --version output.
package buildinfo

// Version is overridden at build time via -ldflags.
var Version = "dev"
