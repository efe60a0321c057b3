package domain

import "time"

// Step is the externally observable wizard position, 1..5.
type Step int

const (
	StepSelectFile Step = 1
	StepPreview    Step = 2
	StepMapColumns Step = 3
	StepValidate   Step = 4
	StepUpload     Step = 5
)

func (s Step) Valid() bool { return s >= StepSelectFile && s <= StepUpload }

// TaskStatus values reported by the backend's job-status endpoint.
// Anything other than "processing" is terminal.
const (
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusPartial    = "partial"
	TaskStatusFailed     = "failed"
)

type OutcomeKind string

const (
	OutcomeCompleted      OutcomeKind = "completed"
	OutcomePartialFailure OutcomeKind = "partial_failure"
	OutcomeFailed         OutcomeKind = "failed"
)

// FileRef points at the staged source CSV. Path is local to the pod that
// accepted the upload; OSSKey (when set) lets any pod re-fetch it.
type FileRef struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Path   string `json:"-"`
	OSSKey string `json:"-"`
	// Token changes whenever a new file is selected; the preview fetch is
	// one-shot per token.
	Token string `json:"-"`
}

type PreviewData struct {
	Headers    []string            `json:"headers"`
	TotalRows  int                 `json:"totalRows"`
	SampleRows []map[string]string `json:"sampleRows"`
	// FileToken records which selected file this preview belongs to.
	FileToken string `json:"-"`
}

type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value"`
}

type ValidationResult struct {
	ValidCount     int        `json:"validCount"`
	ErrorCount     int        `json:"errorCount"`
	DuplicateCount int        `json:"duplicateCount"`
	Errors         []RowError `json:"errors"`
	// Stale is set when the mapping changes after this result was computed;
	// a stale result must not gate the commit step.
	Stale bool `json:"stale"`
}

// UploadTask is present only while an asynchronous commit is in flight.
type UploadTask struct {
	TaskID          string `json:"taskId"`
	UploadID        string `json:"uploadId"`
	ProgressPercent int    `json:"progressPercent"`
	ProgressMessage string `json:"progressMessage,omitempty"`
}

// UploadOutcome is the single discriminated result of one upload attempt.
type UploadOutcome struct {
	Kind           OutcomeKind `json:"kind"`
	SuccessfulRows int         `json:"successfulRows"`
	FailedRows     int         `json:"failedRows"`
	DuplicateRows  int         `json:"duplicateRows"`
	Message        string      `json:"message,omitempty"`
}

// MappingTemplate is a named mapping persisted by the backend, applied by
// value (full mapping overwrite, never a merge).
type MappingTemplate struct {
	Name           string            `json:"name"`
	Mapping        map[string]string `json:"mapping"`
	IsDefault      bool              `json:"isDefault"`
	OrganizationID string            `json:"organizationId,omitempty"`
}

// UploadSession is the wizard aggregate: one instance per upload attempt,
// owned by the controller, mutated only through named operations.
type UploadSession struct {
	ID             string    `json:"sessionId"`
	OrganizationID string    `json:"organizationId"`
	CurrentStep    Step      `json:"currentStep"`
	CreatedAt      time.Time `json:"createdAt"`

	File       *FileRef          `json:"file,omitempty"`
	Preview    *PreviewData      `json:"preview,omitempty"`
	Mapping    map[string]string `json:"mapping,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Task       *UploadTask       `json:"task,omitempty"`
	Outcome    *UploadOutcome    `json:"outcome,omitempty"`

	// LastError is the most recent step-local failure, cleared when the
	// failed action is retried.
	LastError string `json:"error,omitempty"`
}

// Clone returns a deep copy so callers can read or mutate a session outside
// the store's lock without racing other writers.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.File != nil {
		f := *s.File
		cp.File = &f
	}
	if s.Preview != nil {
		p := *s.Preview
		p.Headers = append([]string(nil), s.Preview.Headers...)
		p.SampleRows = make([]map[string]string, 0, len(s.Preview.SampleRows))
		for _, row := range s.Preview.SampleRows {
			m := make(map[string]string, len(row))
			for k, v := range row {
				m[k] = v
			}
			p.SampleRows = append(p.SampleRows, m)
		}
		cp.Preview = &p
	}
	if s.Mapping != nil {
		m := make(map[string]string, len(s.Mapping))
		for k, v := range s.Mapping {
			m[k] = v
		}
		cp.Mapping = m
	}
	if s.Validation != nil {
		v := *s.Validation
		v.Errors = append([]RowError(nil), s.Validation.Errors...)
		cp.Validation = &v
	}
	if s.Task != nil {
		t := *s.Task
		cp.Task = &t
	}
	if s.Outcome != nil {
		o := *s.Outcome
		cp.Outcome = &o
	}
	return &cp
}

// HasFreshValidation reports whether the session carries a validation result
// computed against the current mapping.
func (s *UploadSession) HasFreshValidation() bool {
	return s != nil && s.Validation != nil && !s.Validation.Stale
}

// CommitAllowed implements the step 4 -> 5 gate: a fresh validation with at
// least one valid row.
func (s *UploadSession) CommitAllowed() bool {
	return s.HasFreshValidation() && s.Validation.ValidCount > 0
}
