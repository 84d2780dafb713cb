package compact

import (
	"sort"

	"github.com/chronicledb/chronicle/runfile"
)

const (
	// DefaultMaxFanIn bounds how many files one compaction rewrites.
	DefaultMaxFanIn = 8
	// DefaultOverlapRatio is the pairwise time overlap fraction above
	// which two files are worth merging even below the fan-in trigger.
	DefaultOverlapRatio = 0.3
)

// PlannerOptions tunes candidate selection.
type PlannerOptions struct {
	MaxFanIn     int
	OverlapRatio float64
}

func (o *PlannerOptions) applyDefaults() {
	if o.MaxFanIn <= 0 {
		o.MaxFanIn = DefaultMaxFanIn
	}
	if o.OverlapRatio <= 0 {
		o.OverlapRatio = DefaultOverlapRatio
	}
}

// Plan is one unit of compaction work: a group of overlapping input files.
// FullOverlap reports that no live file outside the group overlaps the
// group's combined time range, which lets the executor drop tombstones
// instead of carrying them forward.
type Plan struct {
	Inputs      []*runfile.Reader
	FullOverlap bool
}

// InputIDs returns the ids of the plan's input files.
func (p Plan) InputIDs() []uint64 {
	ids := make([]uint64, len(p.Inputs))
	for i, r := range p.Inputs {
		ids[i] = r.ID()
	}
	return ids
}

// BuildPlans groups the given files into compaction candidates. Files are
// swept in time order; transitively overlapping files form a group, and a
// group becomes a plan when it reaches MaxFanIn files or any adjacent pair
// overlaps by at least OverlapRatio of the smaller file's span.
//
// The sweep is a single pass over an explicit worklist. Plans reference
// readers from the caller's acquired snapshot; the caller must keep that
// snapshot referenced until every plan has executed.
func BuildPlans(files []*runfile.Reader, opts PlannerOptions) []Plan {
	opts.applyDefaults()
	if len(files) < 2 {
		return nil
	}

	sorted := make([]*runfile.Reader, 0, len(files))
	for _, f := range files {
		if f.TimeRange().Valid() {
			sorted = append(sorted, f)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].TimeRange(), sorted[j].TimeRange()
		if a.Min != b.Min {
			return a.Min < b.Min
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	var groups [][]*runfile.Reader
	var group []*runfile.Reader
	var groupMax int64
	for _, f := range sorted {
		tr := f.TimeRange()
		if len(group) > 0 && tr.Min <= groupMax {
			group = append(group, f)
			if tr.Max > groupMax {
				groupMax = tr.Max
			}
			continue
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
		group = []*runfile.Reader{f}
		groupMax = tr.Max
	}
	if len(group) > 0 {
		groups = append(groups, group)
	}

	var plans []Plan
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		if len(g) < opts.MaxFanIn && !hasTightOverlap(g, opts.OverlapRatio) {
			continue
		}
		inputs := g
		truncated := false
		if len(inputs) > opts.MaxFanIn {
			inputs = inputs[:opts.MaxFanIn]
			truncated = true
		}
		plans = append(plans, Plan{
			Inputs: inputs,
			// A truncated group leaves overlapping siblings outside the
			// plan, so deletes must survive the rewrite.
			FullOverlap: !truncated,
		})
	}
	return plans
}

// hasTightOverlap reports whether any adjacent pair in the time-sorted
// group overlaps by at least ratio of the smaller file's span.
func hasTightOverlap(group []*runfile.Reader, ratio float64) bool {
	for i := 0; i < len(group)-1; i++ {
		a, b := group[i].TimeRange(), group[i+1].TimeRange()
		if !a.Overlaps(b) {
			continue
		}
		lo := max64(a.Min, b.Min)
		hi := min64(a.Max, b.Max)
		overlap := float64(hi-lo) + 1
		smaller := float64(min64(a.Max-a.Min, b.Max-b.Min)) + 1
		if overlap/smaller >= ratio {
			return true
		}
	}
	return false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
