package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/google/uuid"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/sns"
)

func settingsFor(channel, config string) *db.NotificationSettings {
	return &db.NotificationSettings{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Channel: channel,
		Enabled: true,
		Config:  json.RawMessage(config),
	}
}

var testMessage = Message{
	Type:  db.PayloadOutfit,
	Title: "Your outfit for work",
	Body:  "4 items picked for today",
	URL:   "http://localhost:3000/dashboard/outfits/1",
}

type stubSender struct {
	channel string
	calls   int
}

func (s *stubSender) Send(context.Context, *db.NotificationSettings, Message) error {
	s.calls++
	return nil
}

func (s *stubSender) SupportsChannel(channel string) bool { return channel == s.channel }

func TestMultiSenderRouting(t *testing.T) {
	push := &stubSender{channel: db.ChannelPush}
	email := &stubSender{channel: db.ChannelEmail}
	multi := NewMultiSender(zap.NewNop(), push, email)

	tests := []struct {
		name    string
		channel string
		should  bool
	}{
		{"push_supported", db.ChannelPush, true},
		{"email_supported", db.ChannelEmail, true},
		{"sms_not_supported", db.ChannelSMS, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := multi.SupportsChannel(tt.channel); got != tt.should {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, got, tt.should)
			}
		})
	}

	if err := multi.Send(context.Background(), settingsFor(db.ChannelEmail, `{}`), testMessage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.calls != 1 || push.calls != 0 {
		t.Errorf("expected email sender only, got push=%d email=%d", push.calls, email.calls)
	}

	err := multi.Send(context.Background(), settingsFor(db.ChannelSMS, `{}`), testMessage)
	if !errors.Is(err, ErrNoSender) {
		t.Errorf("expected ErrNoSender, got %v", err)
	}
}

func TestLogSenderSupportsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, ch := range []string{db.ChannelPush, db.ChannelTopic, db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook} {
		if !sender.SupportsChannel(ch) {
			t.Errorf("LogSender should support %s channel", ch)
		}
	}
	if sender.SupportsChannel("carrier_pigeon") {
		t.Error("LogSender should not support unknown channels")
	}
	if err := sender.Send(context.Background(), settingsFor(db.ChannelEmail, `{}`), testMessage); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestExpoSender_Send(t *testing.T) {
	var got []expoMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":[{"status":"ok","id":"t-1"},{"status":"ok","id":"t-2"}]}`))
	}))
	defer server.Close()

	sender := NewExpoSender(server.URL, "secret", 5*time.Second, zap.NewNop())
	settings := settingsFor(db.ChannelPush, `{"push_token":"ExponentPushToken[a]","push_tokens":["ExponentPushToken[b]"]}`)

	if err := sender.Send(context.Background(), settings, testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 push messages, got %d", len(got))
	}
	if got[0].To != "ExponentPushToken[a]" || got[0].Data["url"] != testMessage.URL {
		t.Errorf("unexpected push message: %+v", got[0])
	}
}

func TestExpoSender_TicketError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"status":"error","message":"not registered","details":{"error":"DeviceNotRegistered"}}]}`))
	}))
	defer server.Close()

	sender := NewExpoSender(server.URL, "", 5*time.Second, zap.NewNop())
	err := sender.Send(context.Background(), settingsFor(db.ChannelPush, `{"push_token":"ExponentPushToken[a]"}`), testMessage)
	if err == nil || !strings.Contains(err.Error(), "DeviceNotRegistered") {
		t.Fatalf("expected DeviceNotRegistered error, got %v", err)
	}
}

func TestExpoSender_MissingToken(t *testing.T) {
	sender := NewExpoSender("http://unused", "", time.Second, zap.NewNop())
	err := sender.Send(context.Background(), settingsFor(db.ChannelPush, `{}`), testMessage)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

type fakePublisher struct {
	topicARN string
	topicMsg sns.Message
	phone    string
	text     string
	err      error
}

func (f *fakePublisher) PublishTopic(_ context.Context, arn string, msg sns.Message) (string, error) {
	f.topicARN, f.topicMsg = arn, msg
	return "m-1", f.err
}

func (f *fakePublisher) PublishSMS(_ context.Context, phone, text string) (string, error) {
	f.phone, f.text = phone, text
	return "m-2", f.err
}

func TestTopicSender_Send(t *testing.T) {
	pub := &fakePublisher{}
	sender := NewTopicSender(pub, zap.NewNop())
	settings := settingsFor(db.ChannelTopic, `{"topic_arn":"arn:aws:sns:us-east-1:1:u"}`)

	if err := sender.Send(context.Background(), settings, testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if pub.topicARN != "arn:aws:sns:us-east-1:1:u" {
		t.Errorf("unexpected topic %q", pub.topicARN)
	}
	if pub.topicMsg.UserID != settings.UserID.String() || pub.topicMsg.Type != db.PayloadOutfit {
		t.Errorf("unexpected topic message %+v", pub.topicMsg)
	}
}

func TestTopicSender_MissingARN(t *testing.T) {
	sender := NewTopicSender(&fakePublisher{}, zap.NewNop())
	err := sender.Send(context.Background(), settingsFor(db.ChannelTopic, `{"topic_arn":""}`), testMessage)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSMSSender_Send(t *testing.T) {
	pub := &fakePublisher{}
	sender := NewSMSSender(pub, zap.NewNop())

	if err := sender.Send(context.Background(), settingsFor(db.ChannelSMS, `{"phone_number":"+15550001111"}`), testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if pub.phone != "+15550001111" {
		t.Errorf("unexpected phone %q", pub.phone)
	}
	if !strings.HasPrefix(pub.text, testMessage.Title+": ") {
		t.Errorf("unexpected sms text %q", pub.text)
	}
}

func TestSMSSender_PublishError(t *testing.T) {
	sender := NewSMSSender(&fakePublisher{err: errors.New("opted out")}, zap.NewNop())
	if err := sender.Send(context.Background(), settingsFor(db.ChannelSMS, `{"phone_number":"+1"}`), testMessage); err == nil {
		t.Fatal("expected error")
	}
}

type fakeSES struct {
	input *ses.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSender(client, "noreply@closetcast.app", zap.NewNop())

	if err := sender.Send(context.Background(), settingsFor(db.ChannelEmail, `{"address":"ana@example.com"}`), testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if got := client.input.Destination.ToAddresses[0]; got != "ana@example.com" {
		t.Errorf("unexpected recipient %q", got)
	}
	if got := aws.ToString(client.input.Message.Subject.Data); got != testMessage.Title {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestEmailConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{"valid", `{"address":"a@b.com"}`, false},
		{"missing_address", `{"name":"A"}`, true},
		{"not_an_address", `{"address":"nope"}`, true},
		{"invalid_json", `{invalid`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := emailConfig(settingsFor(db.ChannelEmail, tt.config))
			if (err != nil) != tt.wantErr {
				t.Errorf("emailConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRenderEmail_EscapesHTML(t *testing.T) {
	_, htmlBody := renderEmail(Message{Title: "<b>hi</b>", Body: "a & b"})
	if strings.Contains(htmlBody, "<b>hi</b>") || !strings.Contains(htmlBody, "a &amp; b") {
		t.Errorf("expected escaped html, got %s", htmlBody)
	}
}

type fakeSendGrid struct {
	email  *mail.SGMailV3
	status int
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.email = email
	return &rest.Response{StatusCode: f.status, Body: "{}"}, nil
}

func TestSendGridSender_Send(t *testing.T) {
	client := &fakeSendGrid{status: http.StatusAccepted}
	sender := NewSendGridSender(client, "noreply@closetcast.app", "ClosetCast", zap.NewNop())

	if err := sender.Send(context.Background(), settingsFor(db.ChannelEmail, `{"address":"ana@example.com","name":"Ana"}`), testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if client.email.Subject != testMessage.Title {
		t.Errorf("unexpected subject %q", client.email.Subject)
	}
}

func TestSendGridSender_ErrorStatus(t *testing.T) {
	sender := NewSendGridSender(&fakeSendGrid{status: http.StatusForbidden}, "a@b.c", "", zap.NewNop())
	if err := sender.Send(context.Background(), settingsFor(db.ChannelEmail, `{"address":"ana@example.com"}`), testMessage); err == nil {
		t.Fatal("expected error for 403")
	}
}

func TestWebhookSenderHTTPCall(t *testing.T) {
	var body webhookBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("X-Custom-Header") != "test-value" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, zap.NewNop())
	cfg, _ := json.Marshal(WebhookConfig{
		URL:     server.URL,
		Method:  http.MethodPut,
		Headers: map[string]string{"X-Custom-Header": "test-value"},
	})
	settings := settingsFor(db.ChannelWebhook, string(cfg))

	if err := sender.Send(context.Background(), settings, testMessage); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if body.UserID != settings.UserID.String() || body.Title != testMessage.Title {
		t.Errorf("unexpected webhook body %+v", body)
	}
}

func TestWebhookSenderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, zap.NewNop())
	err := sender.Send(context.Background(), settingsFor(db.ChannelWebhook, `{"url":"`+server.URL+`"}`), testMessage)
	if err == nil {
		t.Error("Send() should have failed for 500 status")
	}
}

func TestWebhookSenderValidation(t *testing.T) {
	sender := NewWebhookSender(time.Second, zap.NewNop())

	tests := []struct {
		name   string
		config string
	}{
		{"missing_url", `{"method":"POST"}`},
		{"invalid_method", `{"url":"http://example.com","method":"GET"}`},
		{"empty_config", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sender.Send(context.Background(), settingsFor(db.ChannelWebhook, tt.config), testMessage)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
