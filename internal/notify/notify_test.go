package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

func f(v float64) *float64 { return &v }

func sampleMessage(channel string) *Message {
	a := &db.Alert{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		ProductID: uuid.New(),
		Kind:      db.KindPriceDrop,
		OldPrice:  f(1000),
		NewPrice:  800,
	}
	p := &db.Product{
		Platform:     "amazon",
		CanonicalURL: "https://www.amazon.in/dp/B0TEST0001",
		Title:        "Noise Cancelling Headphones",
		Currency:     "INR",
	}
	rc := db.Recipient{
		Email:          "buyer@example.com",
		Phone:          "+919800000000",
		PushEndpoint:   "arn:aws:sns:ap-south-1:123456789012:endpoint/GCM/app/abc",
		TelegramChatID: "42",
	}
	return Render(a, p, rc, channel)
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		amount   float64
		currency string
		want     string
	}{
		{800, "INR", "₹800"},
		{24999, "INR", "₹24,999"},
		{1234567.5, "INR", "₹1,234,567.50"},
		{19.99, "usd", "$19.99"},
		{999.999, "EUR", "€1,000"},
		{50, "JPY", "JPY 50"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatPrice(tt.amount, tt.currency))
	}
}

func TestRender(t *testing.T) {
	msg := sampleMessage(db.ChannelEmail)
	assert.Equal(t, "Price drop: Noise Cancelling Headphones is now ₹800", msg.Subject)
	assert.Contains(t, msg.Body, "from ₹1,000 to ₹800 (20% off)")
	assert.Contains(t, msg.Body, "https://www.amazon.in/dp/B0TEST0001")

	a := &db.Alert{ID: uuid.New(), Kind: db.KindBackInStock, NewPrice: 499}
	p := &db.Product{CanonicalURL: "https://www.myntra.com/x/123"}
	msg = Render(a, p, db.Recipient{}, db.ChannelSMS)
	assert.Equal(t, "Back in stock: your tracked product", msg.Subject)
	assert.Equal(t, "INR", msg.Currency)
	assert.Equal(t, "Back in stock: your tracked product https://www.myntra.com/x/123", msg.ShortText())

	a.Kind = db.KindTargetMet
	msg = Render(a, p, db.Recipient{}, db.ChannelEmail)
	assert.Contains(t, msg.Body, "at or below your target price")
}

type stubSender struct {
	channel string
	calls   int
}

func (s *stubSender) Send(_ context.Context, msg *Message) (*Receipt, error) {
	s.calls++
	return &Receipt{Channel: msg.Channel}, nil
}

func (s *stubSender) SupportsChannel(channel string) bool { return channel == s.channel }

func TestMultiSenderRouting(t *testing.T) {
	email := &stubSender{channel: db.ChannelEmail}
	sms := &stubSender{channel: db.ChannelSMS}
	m := NewMultiSender(zap.NewNop(), email, sms)

	_, err := m.Send(context.Background(), sampleMessage(db.ChannelSMS))
	require.NoError(t, err)
	assert.Equal(t, 0, email.calls)
	assert.Equal(t, 1, sms.calls)

	assert.True(t, m.SupportsChannel(db.ChannelEmail))
	assert.False(t, m.SupportsChannel(db.ChannelTelegram))
	_, err = m.Send(context.Background(), sampleMessage(db.ChannelTelegram))
	assert.Error(t, err)
}

func TestLogSenderAcceptsEverything(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush, db.ChannelWebhook, db.ChannelTelegram} {
		assert.True(t, s.SupportsChannel(ch))
	}
	r, err := s.Send(context.Background(), sampleMessage(db.ChannelPush))
	require.NoError(t, err)
	assert.Equal(t, db.ChannelPush, r.Channel)
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender(t *testing.T) {
	api := &fakeSES{}
	s := &SESSender{client: api, from: "alerts@pricewatch.dev", logger: zap.NewNop()}

	r, err := s.Send(context.Background(), sampleMessage(db.ChannelEmail))
	require.NoError(t, err)
	assert.Equal(t, "ses-1", r.ProviderID)
	assert.Equal(t, []string{"buyer@example.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, "alerts@pricewatch.dev", aws.ToString(api.input.Source))

	msg := sampleMessage(db.ChannelEmail)
	msg.Recipient.Email = ""
	_, err = s.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNoAddress)

	_, err = s.Send(context.Background(), sampleMessage(db.ChannelSMS))
	assert.Error(t, err)

	api.err = errors.New("throttled")
	_, err = s.Send(context.Background(), sampleMessage(db.ChannelEmail))
	assert.Error(t, err)
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSNSSenderSMS(t *testing.T) {
	api := &fakeSNS{}
	s := &SNSSender{client: api, logger: zap.NewNop()}

	_, err := s.Send(context.Background(), sampleMessage(db.ChannelSMS))
	require.NoError(t, err)
	require.Len(t, api.inputs, 1)
	assert.Equal(t, "+919800000000", aws.ToString(api.inputs[0].PhoneNumber))
	assert.Contains(t, aws.ToString(api.inputs[0].Message), "Price drop")
	assert.False(t, s.SupportsChannel(db.ChannelPush))
}

func TestPushSender(t *testing.T) {
	api := &fakeSNS{}
	s := &PushSender{client: api, logger: zap.NewNop()}
	msg := sampleMessage(db.ChannelPush)

	_, err := s.Send(context.Background(), msg)
	require.NoError(t, err)
	in := api.inputs[0]
	assert.Equal(t, msg.Recipient.PushEndpoint, aws.ToString(in.TargetArn))
	assert.Equal(t, "json", aws.ToString(in.MessageStructure))

	var structure map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &structure))
	assert.Contains(t, structure, "default")
	var gcm map[string]any
	require.NoError(t, json.Unmarshal([]byte(structure["GCM"]), &gcm))
	data := gcm["data"].(map[string]any)
	assert.Equal(t, msg.AlertID.String(), data["alert_id"])

	msg.Recipient.PushEndpoint = ""
	_, err = s.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestWebhookSender(t *testing.T) {
	var gotBody []byte
	var gotSig, gotAlertID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Pricewatch-Signature")
		gotAlertID = r.Header.Get("X-Pricewatch-Alert-ID")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(zap.NewNop(), WebhookConfig{Secret: "s3cret"})
	msg := sampleMessage(db.ChannelWebhook)
	msg.Recipient.WebhookURL = srv.URL

	_, err := s.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, msg.AlertID.String(), gotAlertID)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "alert.price_drop", decoded["event"])
	assert.Equal(t, 800.0, decoded["new_price"])
	assert.NotContains(t, string(gotBody), "buyer@example.com", "contact details are not leaked")
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWebhookSender(zap.NewNop(), WebhookConfig{})
	msg := sampleMessage(db.ChannelWebhook)
	msg.Recipient.WebhookURL = srv.URL
	_, err := s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	msg.Recipient.WebhookURL = ""
	_, err = s.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["chat_id"] == "blocked" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77}}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(zap.NewNop(), TelegramConfig{BotToken: "123:abc", BaseURL: srv.URL + "/"})
	r, err := s.Send(context.Background(), sampleMessage(db.ChannelTelegram))
	require.NoError(t, err)
	assert.Equal(t, "77", r.ProviderID)
	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "42", got["chat_id"])

	msg := sampleMessage(db.ChannelTelegram)
	msg.Recipient.TelegramChatID = "blocked"
	_, err = s.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by the user")
}
