// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // SCHEDULE_TIMEZONE must resolve on minimal images.
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	DBPath      string
	JWTSecret   string

	// PublicBaseURL is used to make relative avatar URLs absolute in pushes.
	PublicBaseURL string

	Gemini   GeminiConfig
	APNs     APNsConfig
	FCM      FCMConfig
	Agent    AgentConfig
	Schedule ScheduleConfig

	CallRingTimeout      time.Duration
	PushRetries          int
	PresenceWriteTimeout time.Duration
}

// GeminiConfig selects the text and voice models.
type GeminiConfig struct {
	APIKey     string
	Model      string
	VoiceModel string
}

// APNsConfig holds Apple push credentials. Empty TeamID disables APNs.
type APNsConfig struct {
	TeamID      string
	KeyID       string
	AuthKeyPath string
	BundleID    string
	UseSandbox  bool
}

// Enabled reports whether enough credentials are set to sign requests.
func (c APNsConfig) Enabled() bool {
	return c.TeamID != "" && c.KeyID != "" && c.AuthKeyPath != "" && c.BundleID != ""
}

// FCMConfig holds Firebase Cloud Messaging credentials. Empty CredentialsPath disables FCM.
type FCMConfig struct {
	CredentialsPath string
	ProjectID       string
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxIterations int
}

// ScheduleConfig controls reminder interpretation and restart recovery.
type ScheduleConfig struct {
	Timezone     string
	MisfireGrace time.Duration
	Location     *time.Location
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxIter := getEnvInt("AGENT_MAX_ITERATIONS", 10)
	if maxIter <= 0 {
		maxIter = 10
	}
	retries := getEnvInt("PUSH_RETRIES", 3)
	if retries <= 0 {
		retries = 3
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:        getEnv("DB_PATH", "./data/botsapp.db"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		Gemini: GeminiConfig{
			APIKey:     getEnv("GEMINI_API_KEY", ""),
			Model:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			VoiceModel: getEnv("GEMINI_VOICE_MODEL", "gemini-2.5-flash-native-audio-latest"),
		},
		APNs: APNsConfig{
			TeamID:      getEnv("APNS_TEAM_ID", ""),
			KeyID:       getEnv("APNS_KEY_ID", ""),
			AuthKeyPath: getEnv("APNS_AUTH_KEY_PATH", ""),
			BundleID:    getEnv("APNS_BUNDLE_ID", ""),
			UseSandbox:  getEnvBool("APNS_USE_SANDBOX", true),
		},
		FCM: FCMConfig{
			CredentialsPath: getEnv("FCM_CREDENTIALS_PATH", ""),
			ProjectID:       getEnv("FCM_PROJECT_ID", ""),
		},
		Agent: AgentConfig{MaxIterations: maxIter},
		Schedule: ScheduleConfig{
			Timezone:     getEnv("SCHEDULE_TIMEZONE", "Asia/Kolkata"),
			MisfireGrace: getEnvDuration("REMINDER_MISFIRE_GRACE", 5*time.Minute),
		},
		CallRingTimeout:      getEnvDuration("CALL_RING_TIMEOUT", 45*time.Second),
		PushRetries:          retries,
		PresenceWriteTimeout: getEnvDuration("PRESENCE_WRITE_TIMEOUT", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.CallRingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be > 0")
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE %q: %w", c.Schedule.Timezone, err)
	}
	c.Schedule.Location = loc
	if c.FCM.CredentialsPath != "" && c.FCM.ProjectID == "" {
		return fmt.Errorf("FCM_PROJECT_ID is required when FCM_CREDENTIALS_PATH is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("45s") or bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
