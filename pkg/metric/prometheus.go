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
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusNamespace is prepended to all exported metric names.
const PrometheusNamespace = "satan"

// PrometheusName converts a metric name such as "/paging/tlb_hits" into the
// Prometheus form "satan_paging_tlb_hits".
func PrometheusName(name string) string {
	return PrometheusNamespace + strings.ReplaceAll(name, "/", "_")
}

// toFamily converts a snapshot to a Prometheus counter family.
func toFamily(s Snapshot) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(s.Name)),
		Help: proto.String(s.Description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, sample := range s.Samples {
		m := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(sample.Value))},
		}
		names := make([]string, 0, len(sample.Fields))
		for n := range sample.Fields {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(n),
				Value: proto.String(sample.Fields[n]),
			})
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, s := range Snapshots() {
		if _, err := expfmt.MetricFamilyToText(w, toFamily(s)); err != nil {
			return err
		}
	}
	return nil
}
