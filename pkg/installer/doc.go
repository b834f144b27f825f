// Package installer delivers the artifacts of a successful build to
// file servers over SSH/SFTP and records every delivery as a temporal
// installation row.
//
// A request names a repository, a tag and a scope: the whole fleet,
// one facility, or a single host. Scope resolution groups the selected
// hosts by the server feeding them; each server then gets its own
// session in which regular files are staged to /tmp by content digest
// and placed with install(1), symlinks are reconstituted with ln, and
// per-host overlay copies are removed so the shared copy wins again.
package installer
