// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	mu.Lock()
	allMetrics = map[string]*Uint64Metric{}
	mu.Unlock()
}

func TestRegister(t *testing.T) {
	defer reset()
	reset()

	if _, err := NewUint64Metric("/foo", "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", "again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("foo", "no slash"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric(foo) got err %v want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/bar", "empty", NewField("kind")); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFields(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/paging/faults", "Faults.",
		NewField("reason", "not_present", "write"),
		NewField("mode", "kernel", "user"))
	m.Increment("write", "user")
	m.IncrementBy(3, "not_present", "kernel")

	if got := m.Value("write", "user"); got != 1 {
		t.Errorf("Value(write, user) = %d, want 1", got)
	}
	if got := m.Value("not_present", "kernel"); got != 3 {
		t.Errorf("Value(not_present, kernel) = %d, want 3", got)
	}
	if got := m.Value("write", "kernel"); got != 0 {
		t.Errorf("Value(write, kernel) = %d, want 0", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("bogus", "user")
}

func TestSnapshots(t *testing.T) {
	defer reset()
	reset()

	b := MustCreateNewUint64Metric("/b", "B.")
	a := MustCreateNewUint64Metric("/a", "A.", NewField("k", "x", "y"))
	b.Increment()
	a.Increment("y")

	want := []Snapshot{
		{Name: "/a", Description: "A.", Samples: []Sample{
			{Fields: map[string]string{"k": "x"}, Value: 0},
			{Fields: map[string]string{"k": "y"}, Value: 1},
		}},
		{Name: "/b", Description: "B.", Samples: []Sample{{Value: 1}}},
	}
	if diff := cmp.Diff(want, Snapshots()); diff != "" {
		t.Errorf("Snapshots() mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePrometheus(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/paging/tlb_hits", "TLB hits.", NewField("kind", "read", "write"))
	m.IncrementBy(5, "read")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	mf, ok := families["satan_paging_tlb_hits"]
	if !ok {
		t.Fatalf("family satan_paging_tlb_hits not found in %v", families)
	}
	if got := mf.GetHelp(); got != "TLB hits." {
		t.Errorf("help = %q, want %q", got, "TLB hits.")
	}
	got := map[string]float64{}
	for _, metric := range mf.GetMetric() {
		got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if diff := cmp.Diff(map[string]float64{"read": 5, "write": 0}, got); diff != "" {
		t.Errorf("counter values mismatch (-want +got):\n%s", diff)
	}
}
