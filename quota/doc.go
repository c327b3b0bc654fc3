/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package quota provides a self-resetting integer budget bound to a fixed time window.
//
// Counter is the building block of the task limiter: one instance tracks the per-second budget
// and another one tracks the per-minute budget. Counters are hard resets, not leaky buckets.
package quota
