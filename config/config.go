package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	SourceIMAP = "imap"
	SourceMbox = "mbox"

	DefaultSubject  = "Hawk Delights LLC CAKE ORDER FORM Completed"
	DefaultIMAPHost = "imap.gmail.com"
	DefaultTimezone = "America/New_York"
	sinceLayout     = "2006-01-02"
)

// Config captures all command-line options of a scheduling run.
type Config struct {
	Source             string `flag:"source" validate:"oneof=imap mbox"`
	MboxPath           string `flag:"mbox" validate:"required_if=Source mbox"`
	IMAPHost           string `flag:"imap-host" validate:"required_if=Source imap"`
	IMAPPort           int    `flag:"imap-port" validate:"min=1,max=65535"`
	IMAPUser           string `flag:"imap-user" validate:"required_if=Source imap"`
	IMAPPass           string `flag:"imap-pass" validate:"required_if=Source imap"`
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string `flag:"mailbox" validate:"required_if=Source imap"`

	Subject    string `flag:"subject"`
	From       string `flag:"from" validate:"omitempty,email"`
	UnseenOnly bool
	Since      time.Time

	Timezone       string `flag:"timezone" validate:"required,timezone"`
	FieldSpecsPath string `flag:"field-specs" validate:"omitempty,file"`
	DateLayouts    []string

	CalendarID      string `flag:"calendar-id" validate:"required"`
	CredentialsPath string `flag:"credentials"`
	TokenPath       string `flag:"token"`

	StateDir     string `flag:"state-dir" validate:"required"`
	StateBackend string `flag:"state-backend" validate:"oneof=memory jsonl sqlite"`
	DryRun       bool
	LogLevel     string `flag:"log-level" validate:"oneof=debug info warn error"`
	LogDir       string
	ReportDir    string
	Progress     bool

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.String("source", SourceIMAP, "Where order emails come from: imap or mbox")
	flags.String("mbox", "", "Path to an .mbox archive (with --source=mbox)")
	flags.String("imap-host", DefaultIMAPHost, "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to EMAIL_ACCOUNT env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS or EMAIL_PASSWORD env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP mailbox searched for order forms")
	flags.String("subject", DefaultSubject, "Only messages whose subject contains this text")
	flags.String("from", "", "Only messages from this sender address")
	flags.Bool("unseen-only", false, "Only messages without the \\Seen flag")
	flags.String("since", "", "Only messages received on or after this date (YYYY-MM-DD)")
	flags.String("timezone", DefaultTimezone, "IANA timezone of the bakery")
	flags.String("field-specs", "", "YAML file overriding the built-in field labels and terminators")
	flags.StringArray("datetime-layout", nil, "Additional Go time layout accepted for the pickup time (repeatable)")
	flags.String("calendar-id", "primary", "Google Calendar id receiving pickup events")
	flags.String("credentials", "credentials.json", "OAuth client credentials file")
	flags.String("token", "token.json", "OAuth token file")
	flags.String("state-dir", defaultStateDir, "Directory for the scheduled-order state")
	flags.String("state-backend", "jsonl", "Seen-set backend: memory, jsonl or sqlite")
	flags.Bool("dry-run", false, "Extract and log events without touching the calendar")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("report-dir", "", "Write orders.csv and failures.csv to this directory")
	flags.Bool("progress", false, "Show a progress bar instead of per-message logs")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadEnv loads the dotenv file named by --env-file. A missing default file
// is not an error.
func LoadEnv(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Lookup("env-file") == nil {
		return nil
	}
	path, err := flags.GetString("env-file")
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !flags.Changed("env-file") {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	if err := LoadEnv(cmd); err != nil {
		return Config{}, err
	}

	flags := cmd.Flags()
	var cfg Config
	var err error

	strs := []struct {
		name string
		dst  *string
	}{
		{"source", &cfg.Source},
		{"mbox", &cfg.MboxPath},
		{"imap-host", &cfg.IMAPHost},
		{"imap-user", &cfg.IMAPUser},
		{"imap-pass", &cfg.IMAPPass},
		{"mailbox", &cfg.Mailbox},
		{"subject", &cfg.Subject},
		{"from", &cfg.From},
		{"timezone", &cfg.Timezone},
		{"field-specs", &cfg.FieldSpecsPath},
		{"calendar-id", &cfg.CalendarID},
		{"credentials", &cfg.CredentialsPath},
		{"token", &cfg.TokenPath},
		{"state-dir", &cfg.StateDir},
		{"state-backend", &cfg.StateBackend},
		{"log-level", &cfg.LogLevel},
		{"log-dir", &cfg.LogDir},
		{"report-dir", &cfg.ReportDir},
	}
	for _, s := range strs {
		if *s.dst, err = flags.GetString(s.name); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
		{"unseen-only", &cfg.UnseenOnly},
		{"dry-run", &cfg.DryRun},
		{"progress", &cfg.Progress},
	}
	for _, b := range bools {
		if *b.dst, err = flags.GetBool(b.name); err != nil {
			return Config{}, err
		}
	}

	arrays := []struct {
		name string
		dst  *[]string
	}{
		{"datetime-layout", &cfg.DateLayouts},
		{"include-header", &cfg.IncludeHeader},
		{"include-body", &cfg.IncludeBody},
		{"exclude-header", &cfg.ExcludeHeader},
		{"exclude-body", &cfg.ExcludeBody},
	}
	for _, a := range arrays {
		if *a.dst, err = flags.GetStringArray(a.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}

	since, err := flags.GetString("since")
	if err != nil {
		return Config{}, err
	}
	if since = strings.TrimSpace(since); since != "" {
		cfg.Since, err = time.Parse(sinceLayout, since)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --since %q: expected YYYY-MM-DD", since)
		}
	}

	if cfg.IMAPUser == "" {
		cfg.IMAPUser = os.Getenv("EMAIL_ACCOUNT")
	}
	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("EMAIL_PASSWORD")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	cfg.LogLevel = NormalizeLogLevel(cfg.LogLevel)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NormalizeLogLevel lower-cases level and maps "warning" to "warn".
func NormalizeLogLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("flag"); name != "" {
			return "--" + name
		}
		return fld.Name
	})
	return v
}

// Validate checks cross-field requirements and reports the first problem in
// terms of the offending flag.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describe(verrs[0])
		}
		return err
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	return nil
}

func describe(fe validator.FieldError) error {
	name := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", name)
	case "required_if":
		if name == "--imap-pass" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS or EMAIL_PASSWORD")
		}
		return fmt.Errorf("%s is required when %s", name, strings.Replace(fe.Param(), "Source ", "--source=", 1))
	case "oneof":
		return fmt.Errorf("invalid %s: %v (want one of %s)", name, fe.Value(), fe.Param())
	case "min", "max":
		return fmt.Errorf("%s must be between 1 and 65535", name)
	case "timezone":
		return fmt.Errorf("invalid %s: %v is not an IANA timezone", name, fe.Value())
	case "email":
		return fmt.Errorf("invalid %s: %v is not an email address", name, fe.Value())
	case "file":
		return fmt.Errorf("%s: %v does not exist", name, fe.Value())
	}
	return fmt.Errorf("invalid %s: failed %s", name, fe.Tag())
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cake-orders", "state"), nil
}
