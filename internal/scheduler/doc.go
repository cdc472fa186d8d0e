// Package scheduler owns the per-tenant daily delivery triggers.
//
// Each schedulable tenant has exactly one trigger: a daily cron entry in the
// process zone at the wall-clock time equivalent to the tenant's preferred
// hour in its own zone. The trigger set is private to Service and is only
// changed through Bootstrap, Upsert, Cancel and the firings themselves.
//
// Upsert, Cancel and firings for one tenant are serialized on a per-tenant
// lock. A firing that was cancelled or rearmed after cron dispatched it is
// dropped before any delivery is attempted.
package scheduler
