// Package reconciler drives one reconcile pass over a directory of
// enclave configs: load, validate, diff against the store's
// last-known state, then — unless dry-run — provision the difference.
//
// A pass runs eight phases in order: load the config tree, validate
// the resulting graph, snapshot actual state from the store, diff
// desired against actual, return early if dry-run, provision deletes
// then creates/updates in topological order (enclave, then its
// partitions, then its exports), re-resolve cross-enclave imports in
// a second pass once every exporter in the run has a handle, and
// finally record a completion audit event.
//
// Every provisioning and wiring step, and every failed enclave
// teardown, appends an AuditEvent to the store so a failed or partial
// run leaves a trail; a successful teardown-and-delete appends none. A
// failed teardown does not stop the pass: the enclave's state is kept
// and its teardown is retried on the next reconcile. Provisioning is
// resumable because each driver call is idempotent given the previous
// handle.
package reconciler
