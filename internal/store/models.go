package store

import "time"

// Appliance statuses as tracked by the stale sweep.
const (
	ApplianceOnline  = "online"
	ApplianceOffline = "offline"
)

// Incident statuses.
const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
)

// Pattern statuses.
const (
	PatternPending  = "pending"
	PatternPromoted = "promoted"
	PatternRejected = "rejected"
)

// Order statuses. An order is pending until a check-in delivers it;
// the outcome bundle later moves it to a terminal status.
const (
	OrderPending   = "pending"
	OrderDelivered = "delivered"
	OrderExecuted  = "executed"
	OrderRejected  = "rejected"
	OrderExpired   = "expired"
	OrderFailed    = "failed"
	OrderReverted  = "reverted"
	OrderDeferred  = "deferred"
)

// Site is one covered entity or practice.
type Site struct {
	SiteID          string
	Name            string
	DeploymentMode  string
	ResellerID      *string
	EnabledRunbooks []string
	RunbookPriority []string
	CreatedAt       time.Time
}

// Appliance is one registered appliance. PubKey is the hex Ed25519
// verification key registered at provisioning or adopted on first
// check-in.
type Appliance struct {
	ApplianceID        string
	SiteID             string
	PubKey             string
	Status             string
	AgentVersion       string
	QueueDepth         int
	Degraded           bool
	SuppressDisruptive bool
	FirstCheckin       *time.Time
	LastCheckin        *time.Time
}

// Credential is one remote target the site's appliances manage. Secret
// material is returned to appliances at check-in and never logged.
type Credential struct {
	ID         int64
	SiteID     string
	Platform   string
	Host       string
	Port       int
	AuthKind   string
	Username   string
	Secret     string
	PrivateKey string
	UseSSL     bool
}

// BundleRow is one appended evidence bundle. Seq is the global append
// sequence returned to appliances as ack_seq. Body holds the full
// canonical bundle JSON.
type BundleRow struct {
	Seq         int64
	BundleID    string
	SiteID      string
	ApplianceID string
	PrevHash    string
	BundleHash  string
	ActionTaken string
	CheckType   string
	CreatedAt   time.Time
	Body        []byte
}

// Head is the current chain position for one appliance.
type Head struct {
	ApplianceID  string
	SiteID       string
	PrevHash     string
	LastBundleID string
	LastSeq      int64
	UpdatedAt    time.Time
}

// Incident is one open, acknowledged or resolved finding lifecycle.
type Incident struct {
	IncidentID     string
	SiteID         string
	ApplianceID    string
	Fingerprint    string
	CheckType      string
	Scope          string
	Severity       string
	Status         string
	OpenedAction   string
	OpenedBundle   string
	ResolvedBundle *string
	AckedBy        *string
	OpenedAt       time.Time
	AckedAt        *time.Time
	ResolvedAt     *time.Time
}

// Pattern is one learned (incident_type, runbook) pairing with its
// success statistics.
type Pattern struct {
	PatternID    string
	IncidentType string
	RunbookID    string
	Occurrences  int
	SuccessCount int
	SuccessRate  float64
	Status       string
	FirstSeen    time.Time
	LastSeen     time.Time
	PromotedRule *string
}

// RuleRow is one distributed (learned) rule. Conditions and Args are
// stored as the JSON the appliance rule engine consumes.
type RuleRow struct {
	RuleID          string
	Priority        int
	Conditions      []byte
	RunbookID       string
	Args            []byte
	CooldownSeconds int
	HIPAAControls   []string
	SourcePattern   *string
	CreatedAt       time.Time
}

// RunbookRow is catalogue metadata for one runbook. Definition is the
// full pushable definition for runbooks the appliance does not compile
// in; nil for built-ins.
type RunbookRow struct {
	RunbookID         string
	Name              string
	Platform          string
	Description       string
	Disruptive        bool
	RollbackAvailable bool
	Internal          bool
	HIPAAControls     []string
	Definition        []byte
}

// OrderRow is one issued order and its delivery/outcome trail.
type OrderRow struct {
	OrderID       string
	SiteID        string
	ApplianceID   string
	RunbookID     string
	Args          map[string]string
	IssuedAt      time.Time
	TTLSeconds    int
	IssuerSig     string
	Status        string
	IssuedBy      string
	DeliveredAt   *time.Time
	OutcomeBundle *string
	UpdatedAt     time.Time
}

// Stamp is the external timestamp trail for one bundle.
type Stamp struct {
	BundleID     string
	AuthorityURL string
	Proof        []byte
	State        string
	BitcoinBlock *int64
	SubmittedAt  time.Time
	CheckedAt    *time.Time
}

// Token is one portal access token, stored hashed.
type Token struct {
	TokenHash string
	SiteID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Operator is one dashboard login.
type Operator struct {
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Alert is one operator notification raised by an appliance. Rows are
// keyed by dedup_key so repeats collapse onto the same delivery.
type Alert struct {
	DeliveryID  string
	SiteID      string
	ApplianceID string
	Severity    string
	Kind        string
	Message     string
	Detail      []byte
	DedupKey    string
	TimesSeen   int
	FirstSeen   time.Time
	LastSeen    time.Time
}
