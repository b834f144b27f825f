/*
Package store implements the content-addressed object store shared by
all builds and installers.

Blobs are keyed by their SHA-256 hex digest and stored as plain files
at <root>/h0h1/h2h3/<digest>, two directory levels bounding fan-out.
There are no sidecar or metadata files; the catalog's artifact rows are
the only index. Ingestion hashes and copies in a single pass, then
publishes with temp-then-rename inside the store root, so concurrent
ingestions of identical content are safe and a crashed ingestion leaves
nothing visible at the content address. Duplicate content across builds
collapses to one blob, which is the point.
*/
package store
