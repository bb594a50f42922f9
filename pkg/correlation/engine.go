// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package correlation aligns rule consistency and stability series with
// performance metrics and ranks likely bottleneck causes.
package correlation

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/loganrossus/egresswatch/pkg/consistency"
	"github.com/loganrossus/egresswatch/pkg/stability"
)

// signal marks a bucket where a rule-side score dropped.
type signal struct {
	score    float64
	evidence []string
}

// degradation is one performance bucket judged degraded.
type degradation struct {
	metric   string
	node     string
	bucket   int
	value    float64
	baseline float64
	delta    float64
	evidence []string
}

// grid maps timestamps onto fixed-width buckets.
type grid struct {
	origin time.Time
	width  time.Duration
}

func (g grid) bucket(t time.Time) int {
	return int(math.Floor(float64(t.Sub(g.origin)) / float64(g.width)))
}

func (g grid) start(b int) time.Time {
	return g.origin.Add(time.Duration(b) * g.width)
}

// Correlate ranks bottleneck findings for every degraded performance
// bucket in tr, most confident first. Ties go to the earliest bucket and
// then to the larger absolute delta. Buckets without performance samples
// never produce a finding.
func Correlate(
	cons []consistency.Sample,
	stab map[string]stability.Sample,
	perf []PerformanceSample,
	tr TimeRange,
	cfg Config,
) []Finding {
	cfg = cfg.withDefaults()

	perf = slices.DeleteFunc(slices.Clone(perf), func(p PerformanceSample) bool { return !tr.Contains(p.Timestamp) })
	if len(perf) == 0 {
		return []Finding{}
	}
	cons = slices.DeleteFunc(slices.Clone(cons), func(c consistency.Sample) bool { return !tr.Contains(c.ObservedAt) })

	g := grid{origin: tr.Start, width: cfg.BucketWidth}
	if g.width <= 0 {
		g.width = bucketWidth(cons, stab, perf, cfg.DefaultBucket)
	}
	if g.origin.IsZero() {
		g.origin = earliest(cons, stab, perf)
	}

	consSignals := consistencySignals(g, cons, cfg)
	stabSignals := make(map[string]map[int]signal, len(stab))
	for node, s := range stab {
		if sig := stabilitySignals(g, s, tr, cfg); len(sig) > 0 {
			stabSignals[node] = sig
		}
	}
	degs := degradations(g, perf, cfg)

	resource := make(map[string]bool, len(cfg.ResourceMetrics))
	for _, m := range cfg.ResourceMetrics {
		resource[m] = true
	}

	findings := make([]Finding, 0, len(degs))
	for _, d := range degs {
		findings = append(findings, classify(g, d, consSignals, stabSignals, degs, resource, cfg))
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if da, db := math.Abs(a.Delta), math.Abs(b.Delta); da != db {
			return da > db
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		return a.NodeID < b.NodeID
	})
	return findings
}

func classify(
	g grid,
	d degradation,
	consSignals map[int]signal,
	stabSignals map[string]map[int]signal,
	all []degradation,
	resource map[string]bool,
	cfg Config,
) Finding {
	f := Finding{
		BucketStart: g.start(d.bucket),
		BucketWidth: g.width.Seconds(),
		MetricName:  d.metric,
		NodeID:      d.node,
		Value:       d.value,
		Baseline:    d.baseline,
		Delta:       d.delta,
	}

	type candidate struct {
		cause  Cause
		weight float64
		lagged bool
	}
	var best *candidate
	var ruleEvidence []string
	consider := func(cause Cause, sig signal, lagged bool) {
		w := cfg.Weights.SameBucket
		if lagged {
			w = cfg.Weights.LagBucket
		}
		ruleEvidence = append(ruleEvidence, sig.evidence...)
		if best == nil || w > best.weight {
			best = &candidate{cause: cause, weight: w, lagged: lagged}
		}
	}

	for _, lag := range []int{0, 1} {
		b := d.bucket - lag
		if sig, ok := consSignals[b]; ok {
			consider(CauseRuleInconsistency, sig, lag == 1)
		}
		for _, node := range sortedKeys(stabSignals) {
			if d.node != "" && node != d.node {
				continue
			}
			if sig, ok := stabSignals[node][b]; ok {
				consider(CauseRuleChurn, sig, lag == 1)
			}
		}
	}

	switch {
	case best != nil:
		f.Cause, f.Confidence, f.Lagged = best.cause, best.weight, best.lagged
	case resource[d.metric] || resourceDegraded(d, all, resource):
		f.Cause, f.Confidence = CauseResourceSaturation, cfg.Weights.Resource
	default:
		f.Cause, f.Confidence = CauseUnknown, cfg.Weights.Unknown
	}

	f.Evidence = dedupStrings(append(ruleEvidence, d.evidence...))
	f.Recommendation = recommendation(f)
	f.Key = findingKey(f)
	f.ID = findingID(f)
	return f
}

// resourceDegraded reports whether a resource metric other than d's own
// degraded in the same bucket within d's node scope.
func resourceDegraded(d degradation, all []degradation, resource map[string]bool) bool {
	for _, o := range all {
		if o.bucket != d.bucket || o.metric == d.metric || !resource[o.metric] {
			continue
		}
		if d.node == "" || o.node == "" || o.node == d.node {
			return true
		}
	}
	return false
}

// consistencySignals buckets consistency samples by their worst score and
// flags buckets below the floor or with a drop from the previous bucket
// that held data.
func consistencySignals(g grid, cons []consistency.Sample, cfg Config) map[int]signal {
	buckets := map[int]*signal{}
	for _, c := range cons {
		b := g.bucket(c.ObservedAt)
		s, ok := buckets[b]
		if !ok {
			s = &signal{score: c.Score}
			buckets[b] = s
		}
		s.score = math.Min(s.score, c.Score)
		s.evidence = append(s.evidence, c.ID)
	}
	return flagDrops(buckets, cfg.ConsistencyFloor, cfg.ConsistencyDrop)
}

// stabilitySignals turns a sample's churn events into a per-bucket
// stability score: 1/(1 + changes per second within the bucket). Buckets
// inside the sample window without events score 1.0.
func stabilitySignals(g grid, s stability.Sample, tr TimeRange, cfg Config) map[int]signal {
	if !s.Measured() {
		return nil
	}
	start, end := s.WindowStart, s.WindowEnd
	if !tr.Start.IsZero() && start.Before(tr.Start) {
		start = tr.Start
	}
	if !tr.End.IsZero() && end.After(tr.End) {
		end = tr.End
	}
	if end.Before(start) {
		return nil
	}

	changes := map[int]int{}
	for _, ev := range s.ChurnEvents {
		if !tr.Contains(ev.To) {
			continue
		}
		changes[g.bucket(ev.To)] += ev.Changes()
	}

	buckets := map[int]*signal{}
	for b := g.bucket(start); b <= g.bucket(end); b++ {
		rate := float64(changes[b]) / g.width.Seconds()
		buckets[b] = &signal{score: stability.Score(rate), evidence: []string{s.ID}}
	}
	return flagDrops(buckets, cfg.StabilityFloor, cfg.StabilityDrop)
}

func flagDrops(buckets map[int]*signal, floor, drop float64) map[int]signal {
	keys := make([]int, 0, len(buckets))
	for b := range buckets {
		keys = append(keys, b)
	}
	sort.Ints(keys)

	out := map[int]signal{}
	for i, b := range keys {
		s := buckets[b]
		dropped := i > 0 && buckets[keys[i-1]].score-s.score >= drop
		if s.score < floor || dropped {
			out[b] = *s
		}
	}
	return out
}

// degradations finds performance buckets that crossed their threshold or
// stepped away from the trailing baseline by more than the relative delta.
func degradations(g grid, perf []PerformanceSample, cfg Config) []degradation {
	type agg struct {
		sum float64
		n   int
		ids []string
	}
	series := map[string]map[int]*agg{}
	meta := map[string]PerformanceSample{}
	for _, p := range perf {
		key := p.SeriesID()
		if series[key] == nil {
			series[key] = map[int]*agg{}
			meta[key] = p
		}
		b := g.bucket(p.Timestamp)
		a := series[key][b]
		if a == nil {
			a = &agg{}
			series[key][b] = a
		}
		a.sum += p.Value
		a.n++
		id := p.ID
		if id == "" {
			id = p.DefaultID()
		}
		a.ids = append(a.ids, id)
	}

	var out []degradation
	for _, key := range sortedKeys(series) {
		buckets := series[key]
		metric, node := meta[key].MetricName, meta[key].NodeID
		lowerWorse := cfg.LowerIsWorse[metric]
		threshold, hasThreshold := cfg.Thresholds[metric]

		keys := make([]int, 0, len(buckets))
		for b := range buckets {
			keys = append(keys, b)
		}
		sort.Ints(keys)

		var history []float64
		for _, b := range keys {
			a := buckets[b]
			value := a.sum / float64(a.n)

			baseline, hasBaseline := 0.0, false
			if n := len(history); n > 0 {
				from := max(0, n-cfg.BaselineBuckets)
				for _, v := range history[from:] {
					baseline += v
				}
				baseline /= float64(n - from)
				hasBaseline = true
			}
			history = append(history, value)

			crossed := hasThreshold && worse(value, threshold, lowerWorse)
			stepped := false
			if hasBaseline && baseline != 0 {
				rel := (value - baseline) / math.Abs(baseline)
				if lowerWorse {
					rel = -rel
				}
				stepped = rel >= cfg.RelativeDelta
			}
			if !crossed && !stepped {
				continue
			}

			d := degradation{
				metric:   metric,
				node:     node,
				bucket:   b,
				value:    value,
				evidence: a.ids,
			}
			switch {
			case hasBaseline:
				d.baseline = baseline
				d.delta = value - baseline
			case hasThreshold:
				d.baseline = threshold
				d.delta = value - threshold
			}
			out = append(out, d)
		}
	}
	return out
}

func worse(value, threshold float64, lowerWorse bool) bool {
	if lowerWorse {
		return value < threshold
	}
	return value > threshold
}

// bucketWidth is the coarsest typical sampling interval among the inputs.
func bucketWidth(cons []consistency.Sample, stab map[string]stability.Sample, perf []PerformanceSample, fallback time.Duration) time.Duration {
	var widest time.Duration

	times := make([]time.Time, 0, len(cons))
	for _, c := range cons {
		times = append(times, c.ObservedAt)
	}
	widest = max(widest, medianGap(times))

	series := map[string][]time.Time{}
	for _, p := range perf {
		series[p.SeriesID()] = append(series[p.SeriesID()], p.Timestamp)
	}
	for _, ts := range series {
		widest = max(widest, medianGap(ts))
	}

	for _, s := range stab {
		widest = max(widest, time.Duration(s.MeanIntervalSeconds*float64(time.Second)))
	}

	if widest <= 0 {
		return fallback
	}
	return widest
}

func medianGap(ts []time.Time) time.Duration {
	if len(ts) < 2 {
		return 0
	}
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
	var gaps []time.Duration
	for i := 1; i < len(sorted); i++ {
		if gap := sorted[i].Sub(sorted[i-1]); gap > 0 {
			gaps = append(gaps, gap)
		}
	}
	if len(gaps) == 0 {
		return 0
	}
	slices.Sort(gaps)
	return gaps[len(gaps)/2]
}

func earliest(cons []consistency.Sample, stab map[string]stability.Sample, perf []PerformanceSample) time.Time {
	var first time.Time
	see := func(t time.Time) {
		if !t.IsZero() && (first.IsZero() || t.Before(first)) {
			first = t
		}
	}
	for _, p := range perf {
		see(p.Timestamp)
	}
	for _, c := range cons {
		see(c.ObservedAt)
	}
	for _, s := range stab {
		if s.Measured() {
			see(s.WindowStart)
		}
	}
	return first
}

func findingKey(f Finding) string {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%s\x00%s\x00%s\x00%d", f.Cause, f.MetricName, f.NodeID, f.BucketStart.UnixNano())
	return fmt.Sprintf("finding-%016x", d.Sum64())
}

// findingID extends the key with everything the analysis derived.
func findingID(f Finding) string {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%s\x00%g\x00%g\x00%g\x00%g\x00%g\x00%t\x00%s",
		f.Key, f.BucketWidth, f.Value, f.Baseline, f.Delta, f.Confidence, f.Lagged, f.Recommendation)
	for _, e := range f.Evidence {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(e)
	}
	return fmt.Sprintf("%s-%08x", f.Key, uint32(d.Sum64()))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
