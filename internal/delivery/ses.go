package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/SilvioTormen/smtprelay-sub001/internal/email"
)

// SES is an alternative structured transport for deployments relaying into
// AWS instead of Microsoft 365. The envelope's raw bytes go out unmodified
// as an SESv2 raw send.
type SES struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the slice of the SESv2 client the transport uses; tests
// substitute a fake.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// NewSES builds the transport from AWS configuration.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SES{sender: cfg.Sender, client: sesv2.NewFromConfig(awsCfg)}, nil
}

// NewSESWithClient wires a custom client, used by tests.
func NewSESWithClient(sender string, client SendEmailAPI) *SES {
	return &SES{sender: sender, client: client}
}

// Name returns "ses".
func (s *SES) Name() string { return "ses" }

// Deliver performs one SendEmail call with the envelope's raw message.
func (s *SES) Deliver(ctx context.Context, env *email.Envelope) error {
	from := s.sender
	if from == "" {
		from = env.From
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &sestypes.Destination{ToAddresses: env.To},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: env.Data},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return classifySESError(err)
	}
	return nil
}

// classifySESError maps SESv2 API errors onto the failure taxonomy using the
// smithy error codes.
func classifySESError(err error) *Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MessageRejected", "BadRequestException", "MailFromDomainNotVerifiedException":
			return Permanent("ses rejected the message", err)
		case "AccountSuspendedException", "SendingPausedException":
			return AuthUnavailable("ses sending disabled for this account", err)
		case "TooManyRequestsException", "LimitExceededException":
			return Transient("ses throttled the send", err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return Permanent("ses client error", err)
		}
		return Transient("ses server error", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("ses request timed out", err)
	}
	return Transient("ses request failed", err)
}
