package store

import "time"

// DocumentType classifies a legal document.
type DocumentType string

const (
	DocTypeTOS              DocumentType = "tos"
	DocTypePrivacyPolicy    DocumentType = "privacy_policy"
	DocTypeEULA             DocumentType = "eula"
	DocTypeCookiePolicy     DocumentType = "cookie_policy"
	DocTypeDPA              DocumentType = "dpa"
	DocTypeServiceAgreement DocumentType = "service_agreement"
	DocTypeOther            DocumentType = "other"
)

// ChangeKind labels what a new document version represents.
type ChangeKind string

const (
	ChangeInitial          ChangeKind = "initial"
	ChangeModified         ChangeKind = "modified"
	ChangeStructureChanged ChangeKind = "structure_changed"
)

// AnalysisStatus is the analysis state machine position.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	AnalysisExpired    AnalysisStatus = "expired"
)

// Terminal reports whether no further transitions are allowed, except the
// completed→expired retention sweep.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisCompleted || s == AnalysisFailed || s == AnalysisExpired
}

// legalTransitions encodes the analysis state machine.
var legalTransitions = map[AnalysisStatus][]AnalysisStatus{
	AnalysisPending:    {AnalysisProcessing},
	AnalysisProcessing: {AnalysisCompleted, AnalysisFailed, AnalysisPending},
	AnalysisCompleted:  {AnalysisExpired},
}

// CanTransition reports whether from→to is a legal analysis transition.
func CanTransition(from, to AnalysisStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity ranks a finding or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RiskWeight is the deterministic risk contribution of one finding when
// the model does not supply an overall score.
func (s Severity) RiskWeight() int {
	switch s {
	case SeverityCritical:
		return 50
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 15
	case SeverityLow:
		return 5
	default:
		return 0
	}
}

// AlertStatus tracks a compliance alert's lifecycle.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// MonitorState tracks a monitor job's lifecycle.
type MonitorState string

const (
	MonitorScheduled MonitorState = "scheduled"
	MonitorRunning   MonitorState = "running"
	MonitorDone      MonitorState = "done"
	MonitorFailed    MonitorState = "failed"
	MonitorCanceled  MonitorState = "canceled"
)

// Document is the owning record of one monitored legal document.
type Document struct {
	ID                     string
	OwnerID                string
	TeamID                 *string
	Title                  string
	SourceURL              *string
	DocumentType           DocumentType
	ContentFingerprint     string
	ContentLength          int64
	Language               string
	MonitoringEnabled      bool
	MonitorIntervalSeconds *int
	LastMonitoredAt        *time.Time
	NextMonitorAt          *time.Time
	RowVersion             int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
	DeletedAt              *time.Time
}

// DocumentVersion is one immutable snapshot of a document's content.
type DocumentVersion struct {
	ID                 string
	DocumentID         string
	VersionSeq         int
	Fingerprint        string
	ContentLength      int64
	CapturedAt         time.Time
	DetectedChangeKind ChangeKind
	ChangeSummary      string
	SignificantChanges []string
	RiskDelta          int
}

// Analysis is one pipeline run over a document version.
type Analysis struct {
	ID                string
	DocumentID        string
	DocumentVersionID string
	OwnerID           string
	Status            AnalysisStatus
	Attempt           int
	OverallRiskScore  *int
	ModelID           *string
	ModelVersion      *string
	ProcessingMS      *int64
	ExecutiveSummary  *string
	KeyFindings       []string
	Recommendations   []string
	ErrorKind         *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ExpiresAt         *time.Time
}

// Finding is one located clause matched during analysis.
type Finding struct {
	ID             string
	AnalysisID     string
	Category       string
	Title          string
	Description    string
	Severity       Severity
	Confidence     float64
	PatternID      *string
	Excerpt        string
	PositionStart  int
	PositionEnd    int
	Recommendation string
	Impact         string
}

// PatternRule is one versioned definition of a concerning clause pattern.
type PatternRule struct {
	ID            string
	Name          string
	Version       int
	Category      string
	Severity      Severity
	Description   string
	LegalBasis    string
	Keywords      []string
	Regex         *string
	EmbeddingID   *string
	Jurisdictions []string
	Active        bool
	CreatedAt     time.Time
}

// ComplianceAlert is one open issue raised by the compliance engine.
type ComplianceAlert struct {
	ID             string
	DocumentID     string
	RuleID         string
	Jurisdiction   string
	PatternID      *string
	Severity       Severity
	Status         AlertStatus
	Evidence       []byte
	EvidenceHash   string
	DetectedAt     time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
}

// MonitorJob tracks one scheduled re-fetch of a monitored document.
type MonitorJob struct {
	ID            string
	DocumentID    string
	State         MonitorState
	Attempt       int
	LastErrorKind *string
	ScheduledAt   time.Time
	DispatchedAt  *time.Time
	CompletedAt   *time.Time
}

// AuditRecord is one append-only audit log entry. The hash chain covers
// only PII-stable fields so GDPR anonymization keeps the chain intact.
type AuditRecord struct {
	Seq           int64
	ID            string
	Actor         *string
	Action        string
	ResourceType  string
	ResourceID    string
	BeforeState   []byte
	AfterState    []byte
	CorrelationID string
	Anonymized    bool
	PreviousHash  string
	RecordHash    string
	At            time.Time
}

// OutboxRecord is one pending downstream event.
type OutboxRecord struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	ScheduledAt time.Time
	PublishedAt *time.Time
}

// Outbox statuses.
const (
	OutboxPending = "PENDING"
	OutboxDone    = "DONE"
)
