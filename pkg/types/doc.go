// Package types defines the INAU domain model shared by all components:
// catalog entities, the build/installation enums with their canonical
// integer encodings, the job payload handed to builder workers, and the
// per-repository-type dispatch table.
package types
