// Package bridge holds the thin adapters the pipeline orchestrator uses to
// reach the workflow store, the model port, the scoring port, and the mesh.
// Every bridge keeps working when its remote is unreachable: calls fall back
// to local behavior and the statistics surface exposes which side served.
package bridge

import "context"

// Bridge is the lifecycle surface every adapter exposes.
type Bridge interface {
	Initialize(ctx context.Context) error
	Close() error
	IsConnected() bool
	Statistics() map[string]interface{}
}
