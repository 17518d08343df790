// Package tender defines the shared data model for the dossier ingestion
// pipeline: document roles, extraction methods, and the per-entry records
// produced by classification and full-text extraction.
package tender

// Role identifies the function of one document inside a dossier. The set is
// closed — consumers switch exhaustively and never invent new values.
type Role string

const (
	// RoleNotice is the authoritative announcement (avis) that triggers
	// downstream metadata extraction.
	RoleNotice Role = "NOTICE"
	// RoleRules is the règlement de consultation.
	RoleRules Role = "RULES"
	// RoleSpecifications is the cahier des prescriptions spéciales.
	RoleSpecifications Role = "SPECIFICATIONS"
	// RoleAmendment covers annexes, additifs and avenants.
	RoleAmendment Role = "AMENDMENT"
	// RoleUnknown means no rule matched.
	RoleUnknown Role = "UNKNOWN"
)

// Valid reports whether r is one of the closed role values.
func (r Role) Valid() bool {
	switch r {
	case RoleNotice, RoleRules, RoleSpecifications, RoleAmendment, RoleUnknown:
		return true
	}
	return false
}

// Method records how text was actually obtained from a document.
type Method string

const (
	// MethodStructured means the text was parsed from the file's native
	// structure (PDF text objects, OOXML paragraphs, sheet cells).
	MethodStructured Method = "STRUCTURED"
	// MethodRecognized means the text came from optical recognition of
	// rendered pages.
	MethodRecognized Method = "RECOGNIZED"
)

// Outcome is the per-entry disposition of a pipeline step.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Classification is the result of the first-page scan of one archive entry.
//
// Snippet holds the early-page text used for role assignment. It is
// ephemeral: the pipeline clears it once role selection completes, so no
// first-page text survives past the scan phase.
type Classification struct {
	Name     string  `json:"name"`
	Snippet  string  `json:"-"`
	Role     Role    `json:"role"`
	Scanned  bool    `json:"scanned"`
	MIMEType string  `json:"mime_type"`
	ByteSize int     `json:"byte_size"`
	Outcome  Outcome `json:"outcome"`
	Detail   string  `json:"detail,omitempty"`
}

// Extraction is the result of full-text extraction of one selected entry.
// It is created once and owned by the pipeline caller afterwards.
type Extraction struct {
	Name      string  `json:"name"`
	Role      Role    `json:"role"`
	Text      string  `json:"text"`
	PageCount int     `json:"page_count,omitempty"` // 0 when the format has no page notion
	Method    Method  `json:"method"`
	ByteSize  int     `json:"byte_size"`
	MIMEType  string  `json:"mime_type"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}
