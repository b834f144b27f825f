// Package gitmirror maintains per-platform git checkouts of the
// repositories being built, plus the shared makefile macros they
// include. Every platform owns an isolated directory tree so builds
// for different platforms never share a work tree, and a per-platform
// lock serializes tree mutation with the build that follows it.
package gitmirror
