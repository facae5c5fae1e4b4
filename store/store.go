// Package store implements the persistent model of the mail platform: stored
// messages and their delivery history, sending domains, credentials, routes,
// endpoints and webhook endpoints, kept in a bstore database.
//
// The delivery queue itself lives in a separate database, see the queue
// package.
package store

import (
	"time"
)

// Scope is the direction of a message.
type Scope string

const (
	ScopeIncoming Scope = "incoming"
	ScopeOutgoing Scope = "outgoing"
)

// Status is the delivery status of a message, and of an individual delivery
// attempt.
type Status string

const (
	StatusPending   Status = "Pending"   // Queued, no attempt made yet.
	StatusSent      Status = "Sent"      // Accepted by the remote server or endpoint.
	StatusSoftFail  Status = "SoftFail"  // Temporary failure, will be retried.
	StatusHardFail  Status = "HardFail"  // Permanent failure, no more attempts.
	StatusHeld      Status = "Held"      // Held for operator review instead of delivered.
	StatusBounced   Status = "Bounced"   // A bounce for this message was received.
	StatusError     Status = "Error"     // Internal error during a delivery attempt.
	StatusProcessed Status = "Processed" // Incoming message accepted without endpoint delivery.
)

// DKIMStatus of a sending domain, from its periodic DNS check.
type DKIMStatus string

const (
	DKIMOK       DKIMStatus = "OK"
	DKIMMissing  DKIMStatus = "Missing"
	DKIMInvalid  DKIMStatus = "Invalid"
	DKIMNotAsked DKIMStatus = ""
)

// Message is a stored incoming or outgoing message. The raw content is in a
// separate MessageRaw row so retention can purge content while keeping
// metadata and delivery history.
type Message struct {
	ID    int64
	Token string `bstore:"unique"` // Public identifier, also used in the X-Postal-MsgID header for bounce linking.

	ServerID int64 `bstore:"index"`
	Scope    Scope `bstore:"nonzero"`

	Sender    string // Envelope sender (return path).
	Recipient string `bstore:"index"`
	Subject   string
	MessageIDHeader string

	Status          Status `bstore:"nonzero,index"`
	StatusChangedAt time.Time

	Held bool // Held messages are not delivered until released.

	Tag       string // From the X-Postal-Tag header of outgoing messages.
	SpamScore float64
	Threat    bool
	ThreatDetails string
	Inspected bool

	Bounce      bool  // Message is a bounce.
	BounceForID int64 // For incoming bounces: the original outgoing message.

	DomainID     int64 // Sending domain, for outgoing messages.
	RouteID      int64 // Matched route, for incoming messages.
	CredentialID int64 // Credential the message was submitted with.

	RawSize   int64
	RawPurged bool // Raw content removed by retention; the message can no longer be delivered.

	ReceivedAt time.Time `bstore:"default now,index"`
}

// MessageRaw holds the raw RFC 5322 content of a message. The ID is the
// Message ID.
type MessageRaw struct {
	ID      int64
	Content []byte `bstore:"nonzero"`
}

// Delivery is one delivery attempt or status transition of a message.
type Delivery struct {
	ID        int64
	MessageID int64  `bstore:"nonzero,index"`
	Status    Status `bstore:"nonzero"`
	Details   string
	Output    string // Remote SMTP response or endpoint output, truncated.
	SentWithSSL bool
	LogID     string  // Correlation id of the worker log lines for this attempt.
	Time      float64 // Seconds the attempt took.
	Created   time.Time `bstore:"default now"`
}

// Server is a tenant: a grouping of domains, credentials, routes and
// endpoints with its own send limit and suppression scope.
type Server struct {
	ID   int64
	Name string `bstore:"unique,nonzero"`

	Mode string // "Live" or "Development". Development holds all outgoing messages.

	Suspended        bool // All deliveries for a suspended server are held.
	SuspensionReason string

	SendLimit       int // Maximum messages sent per hour. 0 means unlimited.
	SendCount       int
	SendWindowStart time.Time

	Created time.Time `bstore:"default now"`
}

// Domain is a sending domain belonging to a server.
type Domain struct {
	ID       int64
	ServerID int64  `bstore:"index"`
	Name     string `bstore:"unique,nonzero"` // ASCII form.

	DKIMPrivateKey []byte // PEM. Signing uses this key when DKIMStatus is OK.
	DKIMSelector   string
	DKIMStatus     DKIMStatus
	DNSCheckedAt   time.Time

	Created time.Time `bstore:"default now"`
}

// Credential authenticates message submission.
type Credential struct {
	ID       int64
	ServerID int64  `bstore:"index"`
	Type     string // "smtp" or "api".
	Key      string `bstore:"unique,nonzero"`
	Hold     bool   // Messages submitted with this credential are held.

	Created time.Time `bstore:"default now"`
}

// EndpointKind says how an endpoint receives messages.
type EndpointKind string

const (
	EndpointHTTP    EndpointKind = "HTTP"    // POST the message to a URL.
	EndpointSMTP    EndpointKind = "SMTP"    // Forward over SMTP to a fixed host.
	EndpointAddress EndpointKind = "Address" // Re-queue as outgoing to another address.
)

// SSLMode is the TLS policy for SMTP connections to an endpoint or remote
// server.
type SSLMode string

const (
	SSLAuto     SSLMode = "Auto"     // Opportunistic STARTTLS without verification, falling back to plain text.
	SSLStartTLS SSLMode = "STARTTLS" // Required STARTTLS with certificate verification.
	SSLTLS      SSLMode = "TLS"      // Immediate TLS with certificate verification.
	SSLNone     SSLMode = "None"     // Plain text only.
)

// Endpoint is a delivery target for incoming messages.
type Endpoint struct {
	ID       int64
	ServerID int64        `bstore:"index"`
	Kind     EndpointKind `bstore:"nonzero"`

	// HTTP endpoints.
	URL string

	// SMTP endpoints.
	Host    string
	Port    int
	SSLMode SSLMode

	// Address endpoints.
	Address string

	LastUsedAt time.Time // Last successful delivery through this endpoint.

	Created time.Time `bstore:"default now"`
}

// RouteMode says what happens to an incoming message matching a route.
type RouteMode string

const (
	RouteEndpoint RouteMode = "Endpoint" // Deliver to the route's endpoint.
	RouteAccept   RouteMode = "Accept"   // Accept and store, no delivery.
	RouteHold     RouteMode = "Hold"     // Accept and hold.
	RouteBounce   RouteMode = "Bounce"   // Reject with a bounce message.
	RouteReject   RouteMode = "Reject"   // Like Bounce for an accepted message; SMTP-time rejection happens upstream.
)

// SpamMode says what a route does with an incoming message marked as spam.
type SpamMode string

const (
	SpamMark       SpamMode = "Mark"       // Annotate only, deliver normally.
	SpamQuarantine SpamMode = "Quarantine" // Hold the message.
	SpamFail       SpamMode = "Fail"       // Fail the message permanently.
)

// Route maps incoming recipient localparts within a domain to an action.
// Pattern is an exact localpart, "*" for any localpart, or empty for the
// domain catch-all. Exact matches win over wildcard, wildcard over catch-all.
type Route struct {
	ID       int64
	ServerID int64 `bstore:"index"`
	DomainID int64 `bstore:"index"`

	Pattern    string
	Mode       RouteMode `bstore:"nonzero"`
	SpamMode   SpamMode  // What to do with spam. Empty is Mark.
	EndpointID int64

	Created time.Time `bstore:"default now"`
}

// WebhookEndpoint is a URL that receives webhook events for a server.
type WebhookEndpoint struct {
	ID       int64
	ServerID int64  `bstore:"index"`
	URL      string `bstore:"nonzero"`

	Events  []string // Event names to deliver, empty for all.
	Enabled bool

	LastUsedAt time.Time

	Created time.Time `bstore:"default now"`
}

// DBTypes are the types stored in the message database.
var DBTypes = []any{
	Message{},
	MessageRaw{},
	Delivery{},
	Server{},
	Domain{},
	Credential{},
	Endpoint{},
	Route{},
	WebhookEndpoint{},
}
