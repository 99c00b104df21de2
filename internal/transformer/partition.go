package transformer

// Partitioned splits a batch's outcomes into failed and passed records.
// NumberOfRecords counts every outcome, not only the passed ones.
type Partitioned struct {
	Failed          []Outcome
	Passed          []Outcome
	NumberOfRecords int
}

// Partition splits outcomes by their Failed flag, keeping the relative order
// of each subset. Both slices are non-nil.
func Partition(outcomes []Outcome) Partitioned {
	p := Partitioned{
		Failed:          []Outcome{},
		Passed:          make([]Outcome, 0, len(outcomes)),
		NumberOfRecords: len(outcomes),
	}
	for _, o := range outcomes {
		if o.Failed {
			p.Failed = append(p.Failed, o)
			continue
		}
		p.Passed = append(p.Passed, o)
	}
	return p
}
