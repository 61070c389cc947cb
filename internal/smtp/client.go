package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/rs/zerolog"
)

// SecurityType mirrors internal/imap.SecurityType — the same three wire
// postures apply to the submission port (spec.md §4.3 "SendDraft").
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Client.Send authenticates, mirroring internal/imap.AuthType.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// Config holds the submission-server connection parameters.
type Config struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

// DefaultConfig returns a Config with sensible submission-port defaults.
func DefaultConfig() Config {
	return Config{
		Port:           587,
		Security:       SecurityStartTLS,
		ConnectTimeout: 30 * time.Second,
	}
}

// Client sends mail over SMTP. Unlike internal/imap.Client it does not keep
// a persistent connection — SendDraft dials, authenticates, sends, and
// closes per task (spec.md §4.3: tasks run outside long-lived connections).
type Client struct {
	config Config
	log    zerolog.Logger
}

// NewClient creates a new SMTP client but does not connect.
func NewClient(config Config) *Client {
	return &Client{config: config, log: logging.WithComponent("smtp")}
}

// Send dials, authenticates, transmits msg, and closes the connection. A
// failure matching a known provider quirk's retry marker (internal/smtp's
// providerQuirks table) is resent exactly once after the quirk's delay;
// any other failure is classified and returned via classifySendError.
func (c *Client) Send(msg *ComposeMessage) error {
	err := c.sendOnce(msg)
	if err == nil {
		return nil
	}
	if retry, delay := shouldRetryOnce(c.config.Host, err); retry {
		c.log.Warn().Err(err).Dur("retryIn", delay).Msg("smtp send: retrying once per provider quirk")
		time.Sleep(delay)
		err = c.sendOnce(msg)
		if err == nil {
			return nil
		}
	}
	return classifySendError(c.config.Host, err)
}

func (c *Client) sendOnce(msg *ComposeMessage) error {
	body, err := msg.ToRFC822()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("security", string(c.config.Security)).
		Msg("Sending message over SMTP")

	conn, err := net.DialTimeout("tcp", addr, c.config.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	tlsConfig := c.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: c.config.Host}
	}

	if c.config.Security == SecurityTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := gosmtp.NewClient(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if c.config.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if err := c.authenticate(client); err != nil {
		return err
	}

	if err := client.Mail(c.config.Username, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range msg.AllRecipients() {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

func (c *Client) authenticate(client *gosmtp.Client) error {
	if ok, _ := client.Extension("AUTH"); !ok {
		return nil // some submission relays (internal gateways) require no auth
	}

	var mech sasl.Client
	switch c.config.AuthType {
	case AuthTypeOAuth2:
		if c.config.AccessToken == "" {
			return fmt.Errorf("oauth2 authentication requires an access token")
		}
		mech = sasl.NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	default:
		mech = sasl.NewPlainClient("", c.config.Username, c.config.Password)
	}

	if err := client.Auth(mech); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return nil
}
