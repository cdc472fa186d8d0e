// Package datastore is qotdbot's resilient data access layer.
//
// A Manager owns the tunnel and a bounded connection pool and knows how to
// rebuild both. An Executor runs single statements against the Manager,
// waiting out tunnel outages and retrying once on connection-class failures.
//
// Loss detection is lazy: the tunnel state is checked when an operation
// arrives. Manager.Watch adds an optional periodic check; without it an
// outage is noticed no earlier than the next data operation.
package datastore
