// Package analysis implements contract analysis submission: page validation,
// concurrent page upload, the synchronous workflow call and normalization of
// the workflow's loosely typed output.
package analysis

// PageFile is one contract page image as received from the client.
type PageFile struct {
	Data        []byte
	ContentType string
	Size        int64
	Name        string
}

// Request is a single analysis submission. Pages keep the client's order.
type Request struct {
	Pages         []PageFile
	ClientID      string
	ClientToken   string
	ExpectedCount *int
	UserID        string
}

type OcrPage struct {
	Page      int    `json:"page"`
	Text      string `json:"text"`
	SourceKey string `json:"sourceKey,omitempty"`
}

// Commentary is the narrative part of the analysis. Missing parts stay nil.
type Commentary struct {
	Overall *string `json:"overall"`
	Warning *string `json:"warning"`
	Advice  *string `json:"advice"`
}

// ToxicClause is a flagged contract clause. WarnLevel is 1..3, 3 being the
// most severe, or nil when the pipeline did not rate the clause.
type ToxicClause struct {
	Title           string `json:"title"`
	Clause          string `json:"clause"`
	Reason          string `json:"reason"`
	ReasonReference string `json:"reasonReference"`
	WarnLevel       *int   `json:"warnLevel"`
}

// NormalizationWarning records an anomaly that was recovered from while
// building a Result.
type NormalizationWarning struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type Result struct {
	ContractID    string                 `json:"contractId"`
	StorageKeys   []string               `json:"storageKeys"`
	ClientID      string                 `json:"clientId"`
	ClientToken   string                 `json:"clientToken"`
	Pages         []OcrPage              `json:"pages"`
	OriginContent *string                `json:"originContent"`
	Summary       *string                `json:"summary"`
	Commentary    *Commentary            `json:"commentary"`
	Clauses       []ToxicClause          `json:"clauses"`
	Warnings      []NormalizationWarning `json:"warnings,omitempty"`
}

// State is a step of a submission.
type State string

const (
	StateValidating  State = "VALIDATING"
	StateIDAssigned  State = "ID_ASSIGNED"
	StateUploading   State = "UPLOADING"
	StateInvoking    State = "INVOKING"
	StateNormalizing State = "NORMALIZING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

func (s State) String() string {
	return string(s)
}
