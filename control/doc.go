// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime instrumentation for the bridge: Prometheus collectors for the
// connection lifecycle and named debug probes for state snapshots.
package control
