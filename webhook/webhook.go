// Package webhook defines the events and payload types for webhook calls
// about message delivery and domain health.
//
// Payloads are encoded as JSON, wrapped in an envelope with the event name, a
// unique id and a timestamp, and signed with the configured RSA key. See the
// queue package for the delivery and retry engine.
package webhook

// Event is the type of webhook event.
type Event string

const (
	EventMessageSent           Event = "MessageSent"           // Outgoing message accepted by remote server.
	EventMessageDelayed        Event = "MessageDelayed"        // Temporary failure, delivery will be retried.
	EventMessageDeliveryFailed Event = "MessageDeliveryFailed" // Permanent failure, delivery attempts stopped.
	EventMessageBounced        Event = "MessageBounced"        // Bounce received and linked to an earlier outgoing message.
	EventMessageHeld           Event = "MessageHeld"           // Message held for operator review.
	EventMessageLinkClicked    Event = "MessageLinkClicked"    // Tracked link in a message was followed.
	EventMessageLoaded         Event = "MessageLoaded"         // Tracking pixel in a message was fetched.
	EventDomainDNSError        Event = "DomainDNSError"        // Periodic DNS check for a sending domain found a problem.
)

// Message is the summary of a stored message as included in payloads.
type Message struct {
	ID        int64   `json:"id"`
	Token     string  `json:"token"`
	Direction string  `json:"direction"` // incoming or outgoing
	MessageID string  `json:"message_id"`
	To        string  `json:"to"`
	From      string  `json:"from"`
	Subject   string  `json:"subject"`
	Timestamp float64 `json:"timestamp"` // Unix seconds the message was received.
	Tag       string  `json:"tag"`
	SpamScore float64 `json:"spam_status"`
}

// MessageStatus is the payload for MessageSent, MessageDelayed,
// MessageDeliveryFailed and MessageHeld.
type MessageStatus struct {
	Message     Message `json:"message"`
	Status      string  `json:"status"`
	Details     string  `json:"details"`
	Output      string  `json:"output"`
	SentWithSSL bool    `json:"sent_with_ssl"`
	LogID       string  `json:"log_id"`
	Time        float64 `json:"time"`      // Seconds the delivery attempt took.
	Timestamp   float64 `json:"timestamp"` // Unix seconds of the attempt.
}

// MessageBounce is the payload for MessageBounced, linking an incoming bounce
// to the original outgoing message.
type MessageBounce struct {
	OriginalMessage Message `json:"original_message"`
	Bounce          Message `json:"bounce"`
}

// MessageClick is the payload for MessageLinkClicked.
type MessageClick struct {
	Message   Message `json:"message"`
	URL       string  `json:"url"`
	Token     string  `json:"token"`
	IPAddress string  `json:"ip_address"`
	UserAgent string  `json:"user_agent"`
}

// MessageLoad is the payload for MessageLoaded.
type MessageLoad struct {
	Message   Message `json:"message"`
	IPAddress string  `json:"ip_address"`
	UserAgent string  `json:"user_agent"`
}

// DomainDNSError is the payload for DomainDNSError.
type DomainDNSError struct {
	Domain           string `json:"domain"`
	UUID             string `json:"uuid"`
	DNSCheckedAt     int64  `json:"dns_checked_at"`
	SPFStatus        string `json:"spf_status"`
	SPFError         string `json:"spf_error"`
	DKIMStatus       string `json:"dkim_status"`
	DKIMError        string `json:"dkim_error"`
	MXStatus         string `json:"mx_status"`
	MXError          string `json:"mx_error"`
	ReturnPathStatus string `json:"return_path_status"`
	ReturnPathError  string `json:"return_path_error"`
}
