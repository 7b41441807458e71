// Package email defines the envelope and message data model shared by the
// SMTP listeners, the retry queue, and the delivery transports.
package email

import "time"

// Envelope is one accepted SMTP transaction: the envelope addresses, the raw
// message bytes, and the session metadata the relay records at acceptance.
// The listener owns an Envelope until it is handed to the queue; after that
// the queue owns its snapshot.
type Envelope struct {
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Data       []byte    `json:"data"`
	RemoteIP   string    `json:"remote_ip"`
	ListenerID string    `json:"listener_id"`
	AuthUser   string    `json:"auth_user,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Email represents a parsed message with all its components. Structured
// transports submit this instead of the raw envelope bytes.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
