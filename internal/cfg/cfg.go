package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/topupstore/internal/log"
)

const (
	AdmissionStoreMemory = "memory"
	AdmissionStoreRedis  = "redis"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	PyroContention    bool
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	TrustedHops       int

	DBPath             string
	PaymentMethodsFile string
	PaymentWindow      time.Duration

	// the admission window, cap and lockout are fixed in package ratelimit
	AdmissionStore   string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	FloodRate        float64
	FloodBurst       int
	FloodMaxVisitors int

	ProofS3Bucket  string
	ProofS3Prefix  string
	ProofRulesFile string
	OCROneShotMax  int

	TelegramChatID   string
	TelegramSSMParam string
	TelegramAPIBase  string

	OrderTokenKeyARN string
	OrderTokenSecret string

	NicknameAPIURL string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.PyroContention, "pyro-contention", false, "also push mutex and block profiles")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted reverse proxies in front of the server (0..10)")

	fs.StringVar(&c.DBPath, "db-path", "data/topupstore.db", "sqlite database file for orders and payment methods")
	fs.StringVar(&c.PaymentMethodsFile, "payment-methods-file", "", "yaml file of payment methods upserted into the database at startup")
	fs.DurationVar(&c.PaymentWindow, "payment-window", 3*time.Hour, "how long a pending order accepts a payment proof")

	fs.StringVar(&c.AdmissionStore, "admission-store", AdmissionStoreMemory, "order admission state store (memory|redis)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for -admission-store=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.Float64Var(&c.FloodRate, "flood-rate", 20, "per-IP request rate across the whole API (req/s)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 40, "per-IP burst across the whole API")
	fs.IntVar(&c.FloodMaxVisitors, "flood-max-visitors", 100000, "max tracked IPs in the flood guard (0 = unlimited)")

	fs.StringVar(&c.ProofS3Bucket, "proof-s3-bucket", "", "s3 bucket that stores payment proof uploads")
	fs.StringVar(&c.ProofS3Prefix, "proof-s3-prefix", "proofs", "s3 prefix (key) for payment proof uploads")
	fs.StringVar(&c.ProofRulesFile, "proof-rules-file", "", "yaml file overriding proof validation rules, reloaded on change")
	fs.IntVar(&c.OCROneShotMax, "ocr-oneshot-max", 2, "extra tesseract clients allowed while the long-lived one is busy (1..64)")

	fs.StringVar(&c.TelegramChatID, "telegram-chat-id", "", "telegram chat that receives payment proofs (empty disables)")
	fs.StringVar(&c.TelegramSSMParam, "telegram-token-ssm-param", "/app/topupstore/telegram/bot-token", "ssm SecureString parameter holding the telegram bot token")
	fs.StringVar(&c.TelegramAPIBase, "telegram-api-base", "https://api.telegram.org", "telegram bot api base url")

	fs.StringVar(&c.OrderTokenKeyARN, "order-token-key-arn", "", "KMS HMAC key ARN for order proof tokens")
	fs.StringVar(&c.OrderTokenSecret, "order-token-secret", "", "local HMAC secret for order proof tokens when no KMS key is set (>= 32 bytes)")

	fs.StringVar(&c.NicknameAPIURL, "nickname-api-url", "https://api.isan.eu.org/nickname/ml", "game nickname lookup api")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. Variables
// already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	// Orders
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH is required"))
	}
	if c.PaymentWindow <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_WINDOW must be positive (got %s)", c.PaymentWindow))
	}

	// Admission
	switch c.AdmissionStore {
	case AdmissionStoreMemory:
	case AdmissionStoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR required when ADMISSION_STORE=redis"))
		} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ADMISSION_STORE %q (valid stores are memory|redis)", c.AdmissionStore))
	}
	if c.FloodRate <= 0 || c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_RATE must be positive and FLOOD_BURST >= 1"))
	}
	if c.FloodMaxVisitors < 0 {
		errs = append(errs, fmt.Errorf("FLOOD_MAX_VISITORS must be >= 0 (got %d)", c.FloodMaxVisitors))
	}

	// Proof storage
	if c.ProofS3Bucket == "" {
		errs = append(errs, fmt.Errorf("PROOF_S3_BUCKET is required"))
	}
	if strings.Contains(c.ProofS3Prefix, "..") {
		errs = append(errs, fmt.Errorf("PROOF_S3_PREFIX must not contain .. (got %q)", c.ProofS3Prefix))
	}
	if c.OCROneShotMax < 1 || c.OCROneShotMax > 64 {
		errs = append(errs, fmt.Errorf("invalid OCR_ONESHOT_MAX %d (must be 1..64)", c.OCROneShotMax))
	}

	// Operator notification
	if c.TelegramChatID != "" {
		if c.TelegramSSMParam == "" {
			errs = append(errs, fmt.Errorf("TELEGRAM_TOKEN_SSM_PARAM required when TELEGRAM_CHAT_ID is set"))
		}
		if u, err := url.Parse(c.TelegramAPIBase); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("TELEGRAM_API_BASE must be a URL (got %q)", c.TelegramAPIBase))
		}
	}

	// Order tokens
	if c.OrderTokenKeyARN == "" && c.OrderTokenSecret != "" && len(c.OrderTokenSecret) < 32 {
		errs = append(errs, fmt.Errorf("ORDER_TOKEN_SECRET must be at least 32 bytes"))
	}

	if c.NicknameAPIURL != "" {
		if u, err := url.Parse(c.NicknameAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("NICKNAME_API_URL must be a URL (got %q)", c.NicknameAPIURL))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
