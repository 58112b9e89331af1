package research

import (
	"slices"
	"strings"
)

// Paper is a single retrieved publication. PDFLink is set by backends that
// know where the full text lives; it feeds full text extraction.
type Paper struct {
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Link     string `json:"link"`
	PDFLink  string `json:"pdf_link,omitempty"`
}

// Summary condenses one paper. Title matches the title of the paper it was produced from.
type Summary struct {
	Title     string   `json:"title"`
	KeyPoints []string `json:"key_points"`
	Score     float64  `json:"score"`
}

// QueryInput is the inbound request payload
type QueryInput struct {
	Drug    string `json:"drug"`
	Disease string `json:"disease"`
}

// Validate checks that both fields are present after trimming whitespace.
func (in QueryInput) Validate() error {
	if strings.TrimSpace(in.Drug) == "" {
		return &ValidationError{Field: "drug", Message: "drug is required"}
	}
	if strings.TrimSpace(in.Disease) == "" {
		return &ValidationError{Field: "disease", Message: "disease is required"}
	}
	return nil
}

// QueryOutput is the response projection of a finished run
type QueryOutput struct {
	Drug        string    `json:"drug"`
	Disease     string    `json:"disease"`
	Papers      []Paper   `json:"papers"`
	Summaries   []Summary `json:"summaries"`
	FinalReport string    `json:"final_report"`
}

// Key names a section of the state and, through it, the stage that owns it.
type Key string

const (
	KeyInput     Key = "input"
	KeyPlan      Key = "plan"
	KeyPapers    Key = "papers"
	KeySummaries Key = "summaries"
	KeyReport    Key = "final_report"
)

// Plan is the output of task derivation
type Plan struct {
	Query string   `json:"query"`
	Tasks []string `json:"tasks"`
}

// Retrieval is the output of paper retrieval. Warnings lists queries that failed
// under the degrade policy.
type Retrieval struct {
	Papers   []Paper  `json:"papers"`
	Warnings []string `json:"warnings,omitempty"`
}

// Summarization is the output of the summary stage. Skipped lists the papers
// whose summary could not be produced.
type Summarization struct {
	Summaries []Summary      `json:"summaries"`
	Skipped   []SkippedPaper `json:"skipped,omitempty"`
}

// SkippedPaper records why a paper has no summary.
type SkippedPaper struct {
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Report is the synthesized final report
type Report struct {
	Text string `json:"text"`
}

func (p Plan) clone() Plan {
	return Plan{Query: p.Query, Tasks: slices.Clone(p.Tasks)}
}

func (r Retrieval) clone() Retrieval {
	papers := slices.Clone(r.Papers)
	if papers == nil {
		papers = []Paper{}
	}
	return Retrieval{Papers: papers, Warnings: slices.Clone(r.Warnings)}
}

func (s Summarization) clone() Summarization {
	summaries := make([]Summary, len(s.Summaries))
	for i, sum := range s.Summaries {
		sum.KeyPoints = slices.Clone(sum.KeyPoints)
		summaries[i] = sum
	}
	return Summarization{Summaries: summaries, Skipped: slices.Clone(s.Skipped)}
}
