// Package api is the HTTP surface of the control plane. One chi
// router serves three audiences: GitLab posting tag_push deliveries to
// /, operators installing and inspecting releases under /v2/cs, and
// monitoring scraping /healthz and /metrics.
//
// Installation endpoints sit behind Basic auth. Everything else is
// unauthenticated, matching a deployment where the listener is only
// reachable from the control network.
package api
