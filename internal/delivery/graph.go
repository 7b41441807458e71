package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
	"github.com/SilvioTormen/smtprelay-sub001/internal/parser"
	"github.com/SilvioTormen/smtprelay-sub001/internal/token"
)

// Graph submits envelopes through the Microsoft Graph sendMail endpoint as
// one structured API call per envelope; recipients travel in the request
// body, not in per-recipient protocol round-trips.
type Graph struct {
	sender     string
	urlFor     func(sender string) string
	httpClient *http.Client
	tokens     TokenSource
}

// GraphConfig configures the Graph transport.
type GraphConfig struct {
	// Sender is the mailbox the relay submits as. When empty, each
	// envelope's own sender address is used.
	Sender string

	// BaseURL overrides the Graph API root, for tests.
	BaseURL string

	HTTPClient *http.Client
}

// NewGraph creates the Graph transport.
func NewGraph(cfg GraphConfig, tokens TokenSource) *Graph {
	base := cfg.BaseURL
	if base == "" {
		base = "https://graph.microsoft.com/v1.0"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Graph{
		sender: cfg.Sender,
		urlFor: func(sender string) string {
			return fmt.Sprintf("%s/users/%s/sendMail", base, sender)
		},
		httpClient: client,
		tokens:     tokens,
	}
}

// Name returns "graph".
func (g *Graph) Name() string { return "graph" }

// Deliver performs exactly one sendMail call with one token.
func (g *Graph) Deliver(ctx context.Context, env *email.Envelope) error {
	reqBody, err := buildSendMailRequest(env)
	if err != nil {
		return Permanent("unparseable message", err)
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return Permanent("encode sendMail request", err)
	}

	bearer, err := g.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, token.ErrReauthRequired) {
			return AuthUnavailable("no usable token", err)
		}
		return Transient("token temporarily unavailable", err)
	}

	sender := g.sender
	if sender == "" {
		sender = env.From
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.urlFor(sender), bytes.NewReader(bodyJSON))
	if err != nil {
		return Permanent("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Transient("graph request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := graphErrorMessage(detail)
	return classifyGraphStatus(resp.StatusCode, msg)
}

// classifyGraphStatus maps a Graph HTTP status onto the failure taxonomy.
func classifyGraphStatus(status int, msg string) *Error {
	err := fmt.Errorf("graph API HTTP %d: %s", status, msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthUnavailable("graph rejected credentials", err)
	case status == http.StatusRequestEntityTooLarge:
		return Permanent("message too large for graph", err)
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return Permanent("graph rejected the message", err)
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient("graph temporarily unavailable", err)
	default:
		return Permanent("graph rejected the request", err)
	}
}

// graphErrorResponse is the Graph API error envelope.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func graphErrorMessage(body []byte) string {
	var ger graphErrorResponse
	if err := json.Unmarshal(body, &ger); err == nil && ger.Error.Message != "" {
		return ger.Error.Message
	}
	return string(body)
}

// sendMailRequest is the request body for the Graph sendMail endpoint.
type sendMailRequest struct {
	Message sendMailMessage `json:"message"`
}

type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// buildSendMailRequest parses the envelope's raw message and converts it to
// a sendMail body. Envelope recipients absent from the parsed To/Cc headers
// are carried as Bcc so every RCPT TO actually receives the message.
func buildSendMailRequest(env *email.Envelope) (*sendMailRequest, error) {
	msg, err := parser.Parse(env.Data)
	if err != nil {
		return nil, err
	}

	body := messageBody{ContentType: "text", Content: msg.TextBody}
	if msg.HtmlBody != "" {
		body = messageBody{ContentType: "html", Content: msg.HtmlBody}
	}

	headerRcpts := make(map[string]bool, len(msg.To)+len(msg.Cc))
	toRecipients := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		headerRcpts[addr] = true
		toRecipients = append(toRecipients, recipient{emailAddress{addr}})
	}
	ccRecipients := make([]recipient, 0, len(msg.Cc))
	for _, addr := range msg.Cc {
		headerRcpts[addr] = true
		ccRecipients = append(ccRecipients, recipient{emailAddress{addr}})
	}

	var bccRecipients []recipient
	if len(toRecipients) == 0 {
		for _, addr := range env.To {
			toRecipients = append(toRecipients, recipient{emailAddress{addr}})
		}
	} else {
		for _, addr := range env.To {
			if !headerRcpts[addr] {
				bccRecipients = append(bccRecipients, recipient{emailAddress{addr}})
			}
		}
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          body,
			ToRecipients:  toRecipients,
			CcRecipients:  ccRecipients,
			BccRecipients: bccRecipients,
			Attachments:   attachments,
		},
	}, nil
}
