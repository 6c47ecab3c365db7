// Package stateapi serves the remote-state protocol nclav's own IaC
// subprocess backend (pkg/iac) points at: GET/POST/DELETE of a
// partition's state blob, and POST/DELETE of its advisory lock, all
// backed by store.StateStore. It also exposes /healthz, /readyz, and
// /metrics for the process this runs in.
package stateapi
