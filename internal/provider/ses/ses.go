// Package ses implements an Adapter that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Name is the registry name of the SES adapter.
const Name = "ses"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Sender           string
	ConfigurationSet string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender           string
	configurationSet string
	client           SendEmailAPI
	now              func() time.Time
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. The SDK's own
// retryer is disabled: every Send makes exactly one API call and retries are
// driven by the caller.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		o.Retryer = aws.NopRetryer{}
	})

	p := NewWithClient(cfg.Sender, client)
	p.configurationSet = cfg.ConfigurationSet
	return p, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
		now:    time.Now,
	}
}

// Send delivers one message via AWS SES v2.
func (s *SESProvider) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	input := buildSimpleInput(s.sender, params)
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		classified := classifyError(err)
		slog.Warn("SES API error",
			"provider", Name,
			"kind", classified.Kind.String(),
			"error", err,
		)
		return nil, classified
	}

	resp := &email.SendResponse{
		ProviderName: Name,
		AcceptedAt:   s.now(),
	}
	if out != nil && out.MessageId != nil {
		resp.MessageID = *out.MessageId
	}
	return resp, nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return Name
}

// buildSimpleInput creates a SES SendEmailInput for a single recipient.
func buildSimpleInput(sender string, params email.Params) *sesv2.SendEmailInput {
	body := &types.Body{}

	if params.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(params.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if params.Body != "" || params.HTMLBody == "" {
		body.Text = &types.Content{
			Data:    aws.String(params.Body),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{params.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(params.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// fatalCodes are SES and AWS auth error codes that will not succeed on retry.
var fatalCodes = map[string]string{
	"MessageRejected":                    "message rejected",
	"MailFromDomainNotVerifiedException": "sender domain not verified",
	"BadRequestException":                "malformed request",
	"NotFoundException":                  "resource not found",
	"AccountSuspendedException":          "account suspended",
	"SendingPausedException":             "sending paused",
	"UnrecognizedClientException":        "invalid credentials",
	"InvalidClientTokenId":               "invalid credentials",
	"SignatureDoesNotMatch":              "invalid credentials",
	"AccessDeniedException":              "access denied",
	"ExpiredTokenException":              "expired credentials",
}

// retryableCodes are throttling and availability codes.
var retryableCodes = map[string]string{
	"TooManyRequestsException": "throttled",
	"LimitExceededException":   "sending quota exceeded",
	"Throttling":               "throttled",
	"ThrottlingException":      "throttled",
	"ServiceUnavailable":       "service unavailable",
	"InternalFailure":          "internal failure",
}

// classifyError maps an SES client error to a provider error kind.
func classifyError(err error) *provider.Error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if provider.IsTimeout(err) {
			return provider.NewRetryable(Name, "timeout", err)
		}
		return provider.NewRetryable(Name, "transport error", err)
	}

	code := apiErr.ErrorCode()
	if msg, ok := fatalCodes[code]; ok {
		return provider.NewFatal(Name, msg, err)
	}
	if msg, ok := retryableCodes[code]; ok {
		return provider.NewRetryable(Name, msg, err)
	}

	if apiErr.ErrorFault() == smithy.FaultClient {
		return provider.NewFatal(Name, "request rejected: "+code, err)
	}
	return provider.NewRetryable(Name, "service error: "+code, err)
}
