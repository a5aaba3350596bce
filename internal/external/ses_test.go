package external

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"bulkmail/internal/types"
)

type mockSESAPI struct {
	sendEmailFunc func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func (m *mockSESAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	return m.sendEmailFunc(ctx, params, optFns...)
}

func capturingSES(captured **sesv2.SendEmailInput) *mockSESAPI {
	return &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			*captured = params
			return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-abc123")}, nil
		},
	}
}

func failingSES(err error) *mockSESAPI {
	return &mockSESAPI{
		sendEmailFunc: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, err
		},
	}
}

func testSendInput() types.SendInput {
	return types.SendInput{
		To:          "ada@example.com",
		ToName:      "Ada",
		From:        types.SenderIdentity{Name: "Bulk Mail", Address: "noreply@example.com"},
		Subject:     "Hello Ada",
		BodyHTML:    "<p>Hi Ada</p>",
		BodyText:    "Hi Ada",
		ReferenceID: "job-1",
		Tags: map[string]string{
			types.TagJobID:         "job-1",
			types.TagRecipientID:   "a1",
			types.TagRecipientType: "artist",
		},
	}
}

func TestSESSend_Success(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{ConfigSetName: "bulkmail-tracking"})

	msgID, err := client.Send(context.Background(), testSendInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if msgID != "ses-msg-abc123" {
		t.Errorf("expected message ID ses-msg-abc123, got %s", msgID)
	}

	if got := aws.ToString(captured.FromEmailAddress); got != `"Bulk Mail" <noreply@example.com>` {
		t.Errorf("from = %q", got)
	}
	if got := captured.Destination.ToAddresses; len(got) != 1 || got[0] != `"Ada" <ada@example.com>` {
		t.Errorf("unexpected destination: %v", got)
	}
	if got := aws.ToString(captured.ConfigurationSetName); got != "bulkmail-tracking" {
		t.Errorf("config set = %q", got)
	}

	simple := captured.Content.Simple
	if simple == nil {
		t.Fatal("expected simple content")
	}
	if got := aws.ToString(simple.Subject.Data); got != "Hello Ada" {
		t.Errorf("subject = %q", got)
	}
	if got := aws.ToString(simple.Body.Html.Data); got != "<p>Hi Ada</p>" {
		t.Errorf("html = %q", got)
	}
	if got := aws.ToString(simple.Body.Text.Data); got != "Hi Ada" {
		t.Errorf("text = %q", got)
	}
}

func TestSESSend_TagsSortedAndSanitized(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{})

	input := testSendInput()
	input.Tags[types.TagRecipientID] = "a1@example.com"
	if _, err := client.Send(context.Background(), input); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	want := []struct{ name, value string }{
		{"JobId", "job-1"},
		{"RecipientId", "a1_example.com"},
		{"RecipientType", "artist"},
	}
	if len(captured.EmailTags) != len(want) {
		t.Fatalf("expected %d tags, got %d", len(want), len(captured.EmailTags))
	}
	for i, w := range want {
		tag := captured.EmailTags[i]
		if aws.ToString(tag.Name) != w.name || aws.ToString(tag.Value) != w.value {
			t.Errorf("tag %d = %s=%s, want %s=%s", i, aws.ToString(tag.Name), aws.ToString(tag.Value), w.name, w.value)
		}
	}
}

func TestSESSend_NoFromNameNoTextBody(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{})

	input := testSendInput()
	input.From.Name = ""
	input.BodyText = ""
	input.Tags = nil
	if _, err := client.Send(context.Background(), input); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if got := aws.ToString(captured.FromEmailAddress); got != "noreply@example.com" {
		t.Errorf("from = %q", got)
	}
	if captured.Content.Simple.Body.Text != nil {
		t.Error("expected no text body")
	}
	if captured.EmailTags != nil {
		t.Errorf("expected no tags, got %v", captured.EmailTags)
	}
	if captured.ConfigurationSetName != nil {
		t.Error("expected no configuration set")
	}
}

func TestSESSend_AttachmentsUseRawMessage(t *testing.T) {
	var captured *sesv2.SendEmailInput
	client := NewSESClientWithAPI(capturingSES(&captured), SESClientConfig{})

	input := testSendInput()
	input.Attachments = []types.Attachment{{
		Filename:    "report.txt",
		ContentType: "text/plain",
		Content:     "aGVsbG8gd29ybGQ=",
	}}
	if _, err := client.Send(context.Background(), input); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if captured.Content.Simple != nil {
		t.Error("expected no simple content alongside raw")
	}
	raw := string(captured.Content.Raw.Data)
	for _, want := range []string{
		"Subject: Hello Ada",
		"multipart/mixed",
		"multipart/alternative",
		`filename=report.txt`,
		"aGVsbG8gd29ybGQ=",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestSESSend_InvalidAttachment(t *testing.T) {
	client := NewSESClientWithAPI(failingSES(errors.New("must not be called")), SESClientConfig{})

	input := testSendInput()
	input.Attachments = []types.Attachment{{Filename: "x.bin", ContentType: "application/octet-stream", Content: "%%%"}}
	_, err := client.Send(context.Background(), input)
	if !types.IsCode(err, types.ErrCodeInternalCodec) {
		t.Errorf("expected codec error, got %v", err)
	}
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCode
	}{
		{"rejected", &sestypes.MessageRejected{Message: aws.String("suppressed")}, types.ErrCodeEmailBlocked},
		{"suspended", &sestypes.AccountSuspendedException{Message: aws.String("suspended")}, types.ErrCodeEmailBlocked},
		{"throttled", &sestypes.TooManyRequestsException{Message: aws.String("slow down")}, types.ErrCodeUpstreamRateLimited},
		{"limit", &sestypes.LimitExceededException{Message: aws.String("quota")}, types.ErrCodeUpstreamRateLimited},
		{"paused", &sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{"generic", errors.New("boom"), types.ErrCodeUpstreamEmailProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSESClientWithAPI(failingSES(tt.err), SESClientConfig{})
			_, err := client.Send(context.Background(), testSendInput())

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T", err)
			}
			if appErr.Code != tt.want {
				t.Errorf("expected %s, got %s", tt.want, appErr.Code)
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected the SDK error to be wrapped")
			}
		})
	}
}

func TestFormatAddress_EncodesNonASCII(t *testing.T) {
	got := formatAddress("Zoë", "zoe@example.com")
	if !strings.HasPrefix(got, "=?utf-8?q?") || !strings.HasSuffix(got, "<zoe@example.com>") {
		t.Errorf("unexpected encoding: %q", got)
	}
}
