package manifest

import "testing"

func TestNew_Partition(t *testing.T) {
	tests := []struct {
		name        string
		size        int64
		connections int
		wantStarts  []int64
		wantEnds    []int64
	}{
		{
			name:        "clean 4-way split of 1000 bytes",
			size:        1000,
			connections: 4,
			wantStarts:  []int64{0, 250, 500, 750},
			wantEnds:    []int64{249, 499, 749, 999},
		},
		{
			name:        "remainder absorbed by last range",
			size:        10,
			connections: 3,
			wantStarts:  []int64{0, 3, 6},
			wantEnds:    []int64{2, 5, 9},
		},
		{
			name:        "single connection covers whole file",
			size:        500,
			connections: 1,
			wantStarts:  []int64{0},
			wantEnds:    []int64{499},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New("http://example.com/f", "f.bin", tt.size, "/tmp/f.bin", "/tmp/work", "application/octet-stream", tt.connections, 1_000_000)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if len(plan.Parts) != tt.connections {
				t.Fatalf("expected %d parts, got %d", tt.connections, len(plan.Parts))
			}

			var total int64
			for i, r := range plan.Parts {
				if r.Start != tt.wantStarts[i] {
					t.Errorf("part %d: start = %d, want %d", i, r.Start, tt.wantStarts[i])
				}
				if r.End != tt.wantEnds[i] {
					t.Errorf("part %d: end = %d, want %d", i, r.End, tt.wantEnds[i])
				}
				total += r.Length()
			}
			if total != tt.size {
				t.Errorf("sum of range lengths = %d, want %d", total, tt.size)
			}
			if plan.Parts[0].Start != 0 {
				t.Errorf("first range must start at 0")
			}
			if plan.Parts[len(plan.Parts)-1].End != tt.size-1 {
				t.Errorf("last range must end at size-1")
			}
		})
	}
}

func TestDerivePartState_Done(t *testing.T) {
	r := Range{Start: 100, End: 199} // 100 bytes
	tests := []struct {
		name        string
		existingLen int64
		wantDone    bool
	}{
		{"nothing written", 0, false},
		{"partially written", 50, false},
		{"exactly complete", 100, true},
		{"overshoot still counts as done", 150, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := DerivePartState(r, tt.existingLen)
			if st.Done() != tt.wantDone {
				t.Errorf("Done() = %v, want %v", st.Done(), tt.wantDone)
			}
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	plan, err := New("http://example.com/f", "f.bin", 1000, "/tmp/f.bin", "/tmp/work", "application/octet-stream", 4, 500_000)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	plan.Resumed = true

	blob, err := Encode(plan)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.URL != plan.URL || got.Name != plan.Name || got.Size != plan.Size {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, plan)
	}
	if len(got.Parts) != len(plan.Parts) {
		t.Fatalf("round trip part count mismatch: got %d, want %d", len(got.Parts), len(plan.Parts))
	}
	if !got.Resumed {
		t.Errorf("expected Resumed to round-trip as true")
	}
}

func TestDecode_InvalidManifestRejected(t *testing.T) {
	if _, err := Decode([]byte("not valid hex!!")); err == nil {
		t.Fatalf("expected error decoding garbage manifest")
	}
}
