package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/users"
)

type fakeCreds map[string]*users.Credential

func (f fakeCreds) Credential(userID, provider string) (*users.Credential, error) {
	if c, ok := f[userID+"/"+provider]; ok {
		return c, nil
	}
	return nil, users.ErrNotConnected
}

type sentMail struct {
	login      Login
	from       string
	recipients []string
	msg        string
}

func testService(creds fakeCreds) (*Service, *[]sentMail) {
	var sent []sentMail
	cfg := config.EmailConfig{
		SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587, StartTLS: true},
		Auth: "oauthbearer",
	}
	svc := NewService(cfg, creds, func(ctx context.Context, _ config.SMTPConfig, login Login, from string, rcpts []string, msg []byte) error {
		sent = append(sent, sentMail{login, from, rcpts, string(msg)})
		return nil
	}, nil)
	return svc, &sent
}

func TestServiceSend(t *testing.T) {
	svc, sent := testService(fakeCreds{
		"u1/google": {Account: "advisor@example.com", AccessToken: "tok"},
	})

	id, err := svc.Send(context.Background(), "u1", Outgoing{To: "Bob <bob@x.com>", Subject: "Hi", Body: "Hello"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id == "" {
		t.Error("Send() should return a Message-ID")
	}
	if len(*sent) != 1 {
		t.Fatalf("sent %d messages", len(*sent))
	}
	got := (*sent)[0]
	if got.from != "advisor@example.com" || got.recipients[0] != "bob@x.com" {
		t.Errorf("envelope = %s -> %v", got.from, got.recipients)
	}
	if got.login.Mode != "oauthbearer" || got.login.Secret != "tok" {
		t.Errorf("login = %+v", got.login)
	}
	if !strings.Contains(got.msg, "Subject: Hi") {
		t.Error("composed message missing subject")
	}
}

func TestServiceSendNotConnected(t *testing.T) {
	svc, sent := testService(fakeCreds{})
	_, err := svc.Send(context.Background(), "u1", Outgoing{To: "bob@x.com", Subject: "Hi", Body: "x"})
	if !errors.Is(err, users.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
	if len(*sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestServiceNotConfigured(t *testing.T) {
	svc := NewService(config.EmailConfig{}, fakeCreds{}, nil, nil)
	if _, err := svc.Send(context.Background(), "u1", Outgoing{To: "bob@x.com"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Send() error = %v, want ErrNotConfigured", err)
	}
	if _, err := svc.Client("u1"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Client() error = %v, want ErrNotConfigured", err)
	}
}
