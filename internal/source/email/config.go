package email

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"

	"github.com/nhle/messaging-manager/internal/model"
)

// Auth methods.
const (
	AuthPassword = "password"
	AuthOAuth    = "oauth"
)

// Preset holds the server defaults of a mail provider.
type Preset struct {
	IMAPHost    string
	IMAPPort    int
	SMTPHost    string
	SMTPPort    int
	SentMailbox string
	TokenURL    string
}

// Presets maps provider names to their server defaults.
var Presets = map[string]Preset{
	"gmail": {
		IMAPHost:    "imap.gmail.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.gmail.com",
		SMTPPort:    465,
		SentMailbox: "[Gmail]/Sent Mail",
		TokenURL:    "https://oauth2.googleapis.com/token",
	},
	"outlook": {
		IMAPHost:    "outlook.office365.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.office365.com",
		SMTPPort:    587,
		SentMailbox: "Sent Items",
		TokenURL:    "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	},
	"yahoo": {
		IMAPHost:    "imap.mail.yahoo.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.mail.yahoo.com",
		SMTPPort:    465,
		SentMailbox: "Sent",
	},
	"generic": {
		IMAPPort:    993,
		SMTPPort:    465,
		SentMailbox: "Sent",
	},
}

// Config is the resolved configuration of one email source.
type Config struct {
	ServiceName string `validate:"required"`
	Address     string `validate:"required"`
	Username    string `validate:"required"`

	IMAPHost string `validate:"required,hostname_rfc1123"`
	IMAPPort int    `validate:"required,min=1,max=65535"`
	SMTPHost string `validate:"required,hostname_rfc1123"`
	SMTPPort int    `validate:"required,min=1,max=65535"`

	// TLS selects implicit TLS for IMAP. When false, STARTTLS is used.
	TLS bool

	Inbox       string `validate:"required"`
	SentMailbox string

	Auth string `validate:"oneof=password oauth"`

	Password string `validate:"required_if=Auth password"`

	ClientID     string `validate:"required_if=Auth oauth"`
	ClientSecret string
	RefreshToken string `validate:"required_if=Auth oauth"`
	TokenURL     string `validate:"required_if=Auth oauth"`

	// MediaDir is where attachments are written.
	MediaDir string `validate:"required"`

	// InitialLookback limits the first sync of a mailbox to recent mail.
	InitialLookback time.Duration
}

// RequiredFields names the source config keys (or credentials) an email
// source needs for the given auth method.
func RequiredFields(auth string) []string {
	if auth == AuthOAuth {
		return []string{"address", "client_id", "client_secret", "refresh_token"}
	}
	return []string{"address", "password"}
}

// CredentialKey returns the credential key of a secret field of a source.
func CredentialKey(serviceName, field string) string {
	return serviceName + "/" + field
}

// ConfigFromSource resolves src into a Config. Secrets are looked up
// through lookup by their CredentialKey unless set inline in src.Config.
func ConfigFromSource(
	src model.SourceConfig,
	mediaDir string,
	lookback time.Duration,
	lookup func(key string) (string, error),
) (Config, error) {
	get := func(key string) string {
		return strings.TrimSpace(src.Config[key])
	}

	provider := get("provider")
	if provider == "" {
		provider = "generic"
	}
	preset, ok := Presets[provider]
	if !ok {
		return Config{}, fmt.Errorf("email source %s: unknown provider %q", src.Name, provider)
	}

	cfg := Config{
		ServiceName:     src.Name,
		Address:         get("address"),
		Username:        get("username"),
		IMAPHost:        firstNonEmpty(get("imap_host"), preset.IMAPHost),
		SMTPHost:        firstNonEmpty(get("smtp_host"), preset.SMTPHost),
		IMAPPort:        preset.IMAPPort,
		SMTPPort:        preset.SMTPPort,
		TLS:             true,
		Inbox:           firstNonEmpty(get("inbox"), "INBOX"),
		SentMailbox:     preset.SentMailbox,
		Auth:            firstNonEmpty(get("auth"), AuthPassword),
		ClientID:        get("client_id"),
		TokenURL:        firstNonEmpty(get("token_url"), preset.TokenURL),
		MediaDir:        mediaDir,
		InitialLookback: lookback,
	}
	if v, ok := src.Config["sent_mailbox"]; ok {
		cfg.SentMailbox = strings.TrimSpace(v)
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Address
	}

	var err error
	if v := get("imap_port"); v != "" {
		if cfg.IMAPPort, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("email source %s: imap_port: %w", src.Name, err)
		}
	}
	if v := get("smtp_port"); v != "" {
		if cfg.SMTPPort, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("email source %s: smtp_port: %w", src.Name, err)
		}
	}
	if v := get("tls"); v != "" {
		if cfg.TLS, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("email source %s: tls: %w", src.Name, err)
		}
	}

	secret := func(field string) (string, error) {
		if v := get(field); v != "" {
			return v, nil
		}
		return lookup(CredentialKey(src.Name, field))
	}

	switch cfg.Auth {
	case AuthPassword:
		if cfg.Password, err = secret("password"); err != nil {
			return Config{}, fmt.Errorf("email source %s: %w", src.Name, err)
		}
	case AuthOAuth:
		if cfg.ClientSecret, err = secret("client_secret"); err != nil {
			return Config{}, fmt.Errorf("email source %s: %w", src.Name, err)
		}
		if cfg.RefreshToken, err = secret("refresh_token"); err != nil {
			return Config{}, fmt.Errorf("email source %s: %w", src.Name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("email source %s: %w", src.Name, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that cfg is complete and its address well formed.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := checkmail.ValidateFormat(c.Address); err != nil {
		return fmt.Errorf("address %q: %w", c.Address, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
