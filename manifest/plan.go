// Package manifest defines the persisted download Plan, its Range
// partitioning rule, and the on-disk manifest codec. It is grounded on the
// teacher's DownloadPlanner (downloader/planner.go): the same
// floor(size/N) segment partitioning rule, generalized from a JSON sidecar
// file to the spec's obfuscated manifest format.
package manifest

import (
	"fmt"
	"path/filepath"
)

// Range describes one contiguous, inclusive byte span of the source file
// and the part file that stores it.
type Range struct {
	Index    int    `json:"index"`
	PartPath string `json:"part_path"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// Length returns the number of bytes the range covers.
func (r Range) Length() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Plan is the immutable-once-written description of a download: source,
// destination, and the ordered Range partition. SpeedBps and Finished are
// mutated after construction only by the Coordinator that owns this Plan;
// Resumed is set by the Manager when it rehydrates a Plan from its
// manifest.
type Plan struct {
	URL         string  `json:"url"`
	Name        string  `json:"name"`
	Size        int64   `json:"size"`
	Destination string  `json:"destination"`
	WorkDir     string  `json:"work_dir"`
	ContentType string  `json:"content_type"`
	Parts       []Range `json:"parts"`
	SpeedBps    int64   `json:"speed_bps"`
	Finished    bool    `json:"finished"`
	Resumed     bool    `json:"resumed"`
}

// New builds a Plan with its Range partition computed by the rule in the
// data model: slice = floor(size/connections); every range but the last
// gets exactly slice bytes, the last range absorbs the remainder so that
// end[N-1] == size-1 always holds even when size is not evenly divisible.
func New(url, name string, size int64, destination, workDir, contentType string, connections int, speedBps int64) (*Plan, error) {
	if connections < 1 {
		connections = 1
	}
	if size < 0 {
		return nil, fmt.Errorf("manifest: negative size %d", size)
	}

	parts := partition(size, connections, name, workDir)

	return &Plan{
		URL:         url,
		Name:        name,
		Size:        size,
		Destination: destination,
		WorkDir:     workDir,
		ContentType: contentType,
		Parts:       parts,
		SpeedBps:    speedBps,
	}, nil
}

func partition(size int64, n int, name, workDir string) []Range {
	slice := size / int64(n)
	parts := make([]Range, n)
	for i := 0; i < n; i++ {
		start := int64(i) * slice
		var end int64
		if i < n-1 {
			end = start + slice - 1
		} else {
			end = size - 1
		}
		parts[i] = Range{
			Index:    i,
			PartPath: filepath.Join(workDir, fmt.Sprintf("%s%d", name, i)),
			Start:    start,
			End:      end,
		}
	}
	return parts
}

// PartState is the derived (never persisted) view of a Range's on-disk
// progress, computed fresh from the part file's current length.
type PartState struct {
	Existing  int64
	Remaining int64
}

// Done reports whether a range requires no further bytes.
func (s PartState) Done() bool {
	return s.Remaining <= 0
}

// DerivePartState computes a Range's current state from the length of its
// part file on disk. existingLen is 0 when the part file does not exist.
func DerivePartState(r Range, existingLen int64) PartState {
	remaining := r.Length() - existingLen
	return PartState{Existing: existingLen, Remaining: remaining}
}
