package manager

import (
	"context"

	"prometeo/coordinator"
	"prometeo/events"
)

// Download is the library-facing handle spec.md §6 exposes to callers: it
// wraps a Coordinator without exposing the coordinator package directly, so
// a Manager can intercept completion to run its forget/removed bookkeeping.
type Download struct {
	coord   *coordinator.Coordinator
	manager *Manager
}

// Name, URL and Size proxy the wrapped Coordinator's pure accessors.
func (d *Download) Name() string { return d.coord.Name() }
func (d *Download) URL() string  { return d.coord.URL() }
func (d *Download) Size() int64  { return d.coord.Size() }

// State reports the Coordinator's current lifecycle state.
func (d *Download) State() coordinator.State { return d.coord.State() }

// Progress subscribes to this Download's periodic progress samples.
func (d *Download) Progress() (<-chan events.ProgressEvent, func()) {
	return d.coord.Progress()
}

// Start runs the Coordinator to completion. On success, the Download
// forgets itself from the Manager's tracked set and emits a removed event,
// mirroring the original engine's behavior of dropping a finished transfer
// from the active set once its destination file exists.
func (d *Download) Start(ctx context.Context) (string, error) {
	dest, err := d.coord.Start(ctx)
	if err != nil {
		return "", err
	}
	d.manager.forget(d.Name())
	return dest, nil
}

// Stop requests cancellation of the in-progress download; its manifest and
// part files remain on disk for a future Resume.
func (d *Download) Stop() {
	d.coord.Stop()
}
