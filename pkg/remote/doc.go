// Package remote runs commands and stages files on builders and
// servers over SSH. One Client wraps one authenticated connection;
// every command gets its own session with stderr folded into stdout,
// and file staging rides an SFTP subsystem opened on demand.
package remote
