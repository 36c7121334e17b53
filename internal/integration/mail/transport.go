// Package mail delivers rendered stage messages over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
)

const serviceName = "smtp"

// Sender is the part of gomail.Dialer the transport needs
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// DialerFunc builds a Sender for one set of SMTP credentials
type DialerFunc func(host string, port int, username, password string) Sender

// CredentialResolver resolves per-account SMTP credentials
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID, service string) (credentials.Credential, error)
}

// Transport sends messages through an SMTP relay. Accounts with their own SMTP
// credentials authenticate as themselves; the rest use the shared login.
type Transport struct {
	cfg    config.MailConfig
	creds  CredentialResolver
	dial   DialerFunc
	logger *slog.Logger
}

// Option configures a Transport
type Option func(*Transport)

// WithDialer replaces the gomail dialer
func WithDialer(dial DialerFunc) Option {
	return func(t *Transport) { t.dial = dial }
}

// NewTransport creates an SMTP transport
func NewTransport(cfg config.MailConfig, creds CredentialResolver, logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		creds:  creds,
		logger: logger,
	}
	t.dial = func(host string, port int, username, password string) Sender {
		d := gomail.NewDialer(host, port, username, password)
		d.SSL = cfg.SSL
		if cfg.Domain != "" {
			d.LocalName = cfg.Domain
		}
		d.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		return d
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send delivers msg and returns the Message-ID it was sent with. The SMTP exchange itself
// cannot be interrupted, so a cancelled ctx only stops the caller from waiting.
func (t *Transport) Send(ctx context.Context, msg domain.Message) (string, error) {
	if strings.TrimSpace(msg.To) == "" {
		return "", domain.NewUpstreamError(serviceName, 0, false, fmt.Errorf("lead %s has no email address", msg.LeadID))
	}

	username, password := t.cfg.Username, t.cfg.Password
	if t.creds != nil {
		cred, err := t.creds.Resolve(ctx, msg.AccountID, credentials.ServiceSMTP)
		if err != nil {
			return "", err
		}
		if cred.Username != "" {
			username, password = cred.Username, cred.Password
		}
	}

	messageID := t.messageID()
	m := t.build(msg, messageID)
	sender := t.dial(t.cfg.Host, t.cfg.Port, username, password)

	done := make(chan error, 1)
	go func() {
		done <- sender.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", classify(err)
		}
	case <-ctx.Done():
		return "", domain.NewUpstreamError(serviceName, 0, true, fmt.Errorf("send interrupted: %w", ctx.Err()))
	}

	t.logger.Debug("Message sent",
		slog.String("lead_id", msg.LeadID),
		slog.String("stage", msg.Stage),
		slog.String("message_id", messageID))

	return messageID, nil
}

func (t *Transport) build(msg domain.Message, messageID string) *gomail.Message {
	from, fromName := msg.From, msg.FromName
	if from == "" {
		from, fromName = t.cfg.FromAddress, t.cfg.FromName
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, fromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())

	if msg.HTML {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}
	return m
}

func (t *Transport) messageID() string {
	domainPart := t.cfg.Domain
	if domainPart == "" {
		if at := strings.LastIndexByte(t.cfg.FromAddress, '@'); at >= 0 {
			domainPart = t.cfg.FromAddress[at+1:]
		}
	}
	if domainPart == "" {
		domainPart = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domainPart)
}

// classify maps SMTP replies to upstream errors. 4xx replies and network failures are
// transient; 5xx replies are permanent rejections.
func classify(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return domain.NewUpstreamError(serviceName, protoErr.Code, protoErr.Code < 500, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewUpstreamError(serviceName, 0, true, err)
	}

	return domain.NewUpstreamError(serviceName, 0, false, err)
}
