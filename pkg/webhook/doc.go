// Package webhook admits GitLab tag push deliveries into the build
// pipeline. Admission is a filter chain: wrong event kinds, tag
// deletions, lightweight tags and unconfigured projects are
// acknowledged and dropped; everything else becomes one SCHEDULED
// build per enabled (repository, platform) pair, deduplicated by the
// catalog's unique build constraint so redelivery is harmless.
package webhook
