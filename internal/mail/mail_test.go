package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

func TestSMTPSenderSetsHeaders(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSMTPSenderWithDialer("office@example.com", dialer, nil)

	err := s.Send(context.Background(), Message{
		To:      []string{"a@example.com", "b@example.com"},
		Subject: "Proposal: Website",
		Text:    "hello",
		HTML:    "<p>hello</p>",
	})
	require.NoError(t, err)
	require.Len(t, dialer.sent, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, dialer.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"office@example.com"}, dialer.sent[0].GetHeader("From"))
	assert.Equal(t, []string{"Proposal: Website"}, dialer.sent[0].GetHeader("Subject"))
}

func TestSMTPSenderFailsLoudly(t *testing.T) {
	transport := errors.New("connection refused")
	s := NewSMTPSenderWithDialer("office@example.com", &fakeDialer{err: transport}, nil)

	err := s.Send(context.Background(), Message{To: []string{"a@example.com"}, Subject: "x"})
	assert.ErrorIs(t, err, transport)
}

func TestMessageValidate(t *testing.T) {
	assert.Error(t, Message{Subject: "x"}.Validate())
	assert.Error(t, Message{To: []string{"a@b.co"}}.Validate())
	assert.NoError(t, Message{To: []string{"a@b.co"}, Subject: "x"}.Validate())
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), Message{To: []string{"a@b.co"}, Subject: "x"}))
	assert.Error(t, LogSender{}.Send(context.Background(), Message{}))
}
