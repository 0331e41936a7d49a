package pipeline

import "fmt"

// Stage is a discrete point in an issue's managed lifecycle. The zero
// value is StageBacklog. Ordering is meaningful: the transition engine's
// tie-break always prefers the earliest-in-sequence eligible action.
type Stage int

const (
	StageBacklog Stage = iota
	StageReady
	StageAgentAssigned
	StageInProgress
	StageInReview
	StageMerging
	StageDone
	// StageStalled is reached only through recovery, from any
	// non-terminal stage. The stage it fell from is recorded alongside.
	StageStalled
)

var stageNames = map[Stage]string{
	StageBacklog:       "backlog",
	StageReady:         "ready",
	StageAgentAssigned: "agent_assigned",
	StageInProgress:    "in_progress",
	StageInReview:      "in_review",
	StageMerging:       "merging",
	StageDone:          "done",
	StageStalled:       "stalled",
}

var stagesByName = func() map[string]Stage {
	m := make(map[string]Stage, len(stageNames))
	for s, n := range stageNames {
		m[n] = s
	}
	return m
}()

// String returns the snake_case stage name used in labels, storage, and
// the status API.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage parses a snake_case stage name.
func ParseStage(name string) (Stage, error) {
	if s, ok := stagesByName[name]; ok {
		return s, nil
	}
	return StageBacklog, fmt.Errorf("unknown pipeline stage %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	name, ok := stageNames[s]
	if !ok {
		return nil, fmt.Errorf("cannot marshal unknown stage %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether the stage is the end of the pipeline.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Active reports whether the stage participates in polling and stall
// detection: everything between Ready and Merging inclusive.
func (s Stage) Active() bool {
	return s >= StageReady && s <= StageMerging
}

// Next returns the following stage in the forward sequence. The second
// return is false for StageDone and StageStalled, which have no forward
// successor.
func (s Stage) Next() (Stage, bool) {
	if s >= StageDone {
		return s, false
	}
	return s + 1, true
}

// ActiveStages lists the stages polled each cycle, in pipeline order.
// Backlog issues are not yet tracked and Done issues only age toward
// archival.
func ActiveStages() []Stage {
	return []Stage{StageReady, StageAgentAssigned, StageInProgress, StageInReview, StageMerging}
}
