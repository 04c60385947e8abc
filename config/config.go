package config

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	HTTPPort        int
	LogLevel        string
	DBDriver        string
	DBDSN           string
	ReportWindow    time.Duration
	Subscription    string
	ResultTopic     string
	GoogleProjectID string
	CredentialsFile string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("ALLOCATOR_HTTP_PORT", 8080),
		LogLevel:        strings.TrimSpace(getEnv("ALLOCATOR_LOG_LEVEL", "info")),
		DBDriver:        strings.ToLower(strings.TrimSpace(getEnv("ALLOCATOR_DB_DRIVER", DriverMemory))),
		DBDSN:           strings.TrimSpace(os.Getenv("ALLOCATOR_DB_DSN")),
		ReportWindow:    getEnvDuration("ALLOCATOR_REPORT_WINDOW", 24*time.Hour),
		Subscription:    strings.TrimSpace(getEnv("ALLOCATOR_REQUEST_SUBSCRIPTION", os.Getenv("ALLOCATOR_PUBSUB_SUBSCRIPTION"))),
		ResultTopic:     strings.TrimSpace(getEnv("ALLOCATOR_RESULT_TOPIC", os.Getenv("ALLOCATOR_PUBSUB_TOPIC"))),
		CredentialsFile: strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("ALLOCATOR_GSA_CREDENTIALS"))),
	}

	if cfg.DBDriver != DriverMemory && cfg.DBDSN == "" {
		log.Warn().Str("driver", cfg.DBDriver).Msg("database DSN not set; set ALLOCATOR_DB_DSN")
	}
	if cfg.PubsubEnabled() {
		cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("ALLOCATOR_PUBSUB_PROJECT_ID", "")))
		if cfg.GoogleProjectID == "" {
			log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
		}
	} else {
		log.Info().Msg("Pub/Sub not configured; booking requests are served over HTTP only")
	}
	return cfg
}

// PubsubEnabled reports whether either Pub/Sub direction is configured.
func (c *Config) PubsubEnabled() bool {
	return c.Subscription != "" || c.ResultTopic != ""
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.HTTPPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"httpPort":            c.HTTPPort,
		"logLevel":            c.LogLevel,
		"dbDriver":            c.DBDriver,
		"dsnProvided":         c.DBDSN != "",
		"reportWindow":        c.ReportWindow.String(),
		"projectID":           c.GoogleProjectID,
		"requestSubscription": c.Subscription,
		"resultTopic":         c.ResultTopic,
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	// A file that is not a service account key simply yields no project.
	_ = json.Unmarshal(b, &x)
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from GOOGLE_APPLICATION_CREDENTIALS")
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using ALLOCATOR_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	if v := strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT"))); v != "" {
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// ALLOCATOR_GSA_CREDENTIALS
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
