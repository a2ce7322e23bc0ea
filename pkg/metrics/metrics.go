package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Package metrics is a small process-local counter registry. Counters are
// keyed by name plus a label set and can be dumped in Prometheus text
// format, which is what the tests assert on. There is no scrape endpoint;
// the tool is a short-lived interactive process.

var (
	mu       sync.Mutex
	counters = map[string]float64{}
)

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	ks := make([]string, 0, len(labels))
	for k := range labels {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range ks {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc increments the counter identified by name and labels by one.
func Inc(name string, labels map[string]string) {
	mu.Lock()
	counters[key(name, labels)]++
	mu.Unlock()
}

// Add increments the counter by v.
func Add(name string, labels map[string]string, v float64) {
	mu.Lock()
	counters[key(name, labels)] += v
	mu.Unlock()
}

// DumpProm renders all counters in Prometheus text format, sorted by key.
func DumpProm() string {
	mu.Lock()
	defer mu.Unlock()
	ks := make([]string, 0, len(counters))
	for k := range counters {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	var b strings.Builder
	for _, k := range ks {
		fmt.Fprintf(&b, "%s %g\n", k, counters[k])
	}
	return b.String()
}

// Reset clears all counters; used by tests.
func Reset() {
	mu.Lock()
	counters = map[string]float64{}
	mu.Unlock()
}
