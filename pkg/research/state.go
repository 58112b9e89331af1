package research

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the record threaded through the pipeline. It is a value: Merge returns a
// new State and never modifies the receiver, so a snapshot handed to a hook or a
// stage stays stable for the rest of the run.
type State struct {
	drug    string
	disease string

	plan          *Plan
	retrieval     *Retrieval
	summarization *Summarization
	report        *Report
}

// NewState builds the initial state for one run. Inputs are trimmed.
func NewState(drug, disease string) State {
	return State{
		drug:    strings.TrimSpace(drug),
		disease: strings.TrimSpace(disease),
	}
}

func (s State) Drug() string    { return s.drug }
func (s State) Disease() string { return s.disease }

// Plan returns the task stage output, if present.
func (s State) Plan() (Plan, bool) {
	if s.plan == nil {
		return Plan{}, false
	}
	return s.plan.clone(), true
}

// Retrieval returns the retrieval stage output, if present.
func (s State) Retrieval() (Retrieval, bool) {
	if s.retrieval == nil {
		return Retrieval{}, false
	}
	return s.retrieval.clone(), true
}

// Summarization returns the summary stage output, if present.
func (s State) Summarization() (Summarization, bool) {
	if s.summarization == nil {
		return Summarization{}, false
	}
	return s.summarization.clone(), true
}

// Report returns the final report, if present.
func (s State) Report() (Report, bool) {
	if s.report == nil {
		return Report{}, false
	}
	return *s.report, true
}

// Has reports whether the section named by k is populated.
func (s State) Has(k Key) bool {
	switch k {
	case KeyInput:
		return s.drug != "" && s.disease != ""
	case KeyPlan:
		return s.plan != nil
	case KeyPapers:
		return s.retrieval != nil
	case KeySummaries:
		return s.summarization != nil
	case KeyReport:
		return s.report != nil
	}
	return false
}

// Update is a partial write. Only non-nil sections are applied.
type Update struct {
	Plan          *Plan
	Retrieval     *Retrieval
	Summarization *Summarization
	Report        *Report
}

// Keys lists the sections this update sets.
func (u Update) Keys() []Key {
	var keys []Key
	if u.Plan != nil {
		keys = append(keys, KeyPlan)
	}
	if u.Retrieval != nil {
		keys = append(keys, KeyPapers)
	}
	if u.Summarization != nil {
		keys = append(keys, KeySummaries)
	}
	if u.Report != nil {
		keys = append(keys, KeyReport)
	}
	return keys
}

// Merge returns a copy of s with the sections of u set. Sections are write-once:
// targeting a section that is already present fails and leaves s untouched.
func (s State) Merge(u Update) (State, error) {
	for _, k := range u.Keys() {
		if s.Has(k) {
			return s, fmt.Errorf("%w: %s", ErrAlreadyWritten, k)
		}
	}

	next := s
	if u.Plan != nil {
		p := u.Plan.clone()
		next.plan = &p
	}
	if u.Retrieval != nil {
		r := u.Retrieval.clone()
		next.retrieval = &r
	}
	if u.Summarization != nil {
		sum := u.Summarization.clone()
		next.summarization = &sum
	}
	if u.Report != nil {
		r := *u.Report
		next.report = &r
	}
	return next, nil
}

// Output projects the state into the response shape. Missing lists become empty
// lists, never null.
func (s State) Output() QueryOutput {
	out := QueryOutput{
		Drug:      s.drug,
		Disease:   s.disease,
		Papers:    []Paper{},
		Summaries: []Summary{},
	}
	if r, ok := s.Retrieval(); ok {
		out.Papers = r.Papers
	}
	if sum, ok := s.Summarization(); ok && sum.Summaries != nil {
		out.Summaries = sum.Summaries
	}
	if r, ok := s.Report(); ok {
		out.FinalReport = r.Text
	}
	return out
}

type stateJSON struct {
	Drug          string         `json:"drug"`
	Disease       string         `json:"disease"`
	Plan          *Plan          `json:"plan,omitempty"`
	Retrieval     *Retrieval     `json:"retrieval,omitempty"`
	Summarization *Summarization `json:"summarization,omitempty"`
	Report        *Report        `json:"report,omitempty"`
}

// MarshalJSON renders the snapshot, used when persisting run progress.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		Drug:          s.drug,
		Disease:       s.disease,
		Plan:          s.plan,
		Retrieval:     s.retrieval,
		Summarization: s.summarization,
		Report:        s.report,
	})
}
