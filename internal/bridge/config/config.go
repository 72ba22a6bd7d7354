// Package config loads and validates bridge configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. Built-in defaults
//  2. An optional YAML file named by BRIDGE_CONFIG_FILE
//  3. Environment variables (the canonical interface, see the option table
//     in the deployment docs)
//
// Static validation failures are returned as errors so the caller can abort
// start-up; nothing in this package calls os.Exit.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oculairmedia/letta-matrix-bridge/common/environment"
)

// Matrix holds homeserver connection and identity settings.
type Matrix struct {
	// HomeserverURL is the base URL for all Matrix calls.
	HomeserverURL string `yaml:"homeserver_url"`
	// ServerName is the Matrix server name used in user IDs
	// (e.g. "matrix.oculair.ca").  Derived from HomeserverURL when unset.
	ServerName string `yaml:"server_name"`
	// Username / Password identify the main bridge bot (default "@letta").
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// AdminUsername / AdminPassword identify the Matrix admin account.
	// They fall back to the main bot credentials when unset.
	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`
	// MCPUsername / MCPPassword identify the optional MCP bot, created when set.
	MCPUsername string `yaml:"mcp_username"`
	MCPPassword string `yaml:"mcp_password"`
	// MailBridgeUsername / MailBridgePassword identify the optional mail
	// bridge account invited to every agent room when configured.
	MailBridgeUsername string `yaml:"mail_bridge_username"`
	MailBridgePassword string `yaml:"mail_bridge_password"`
	// RoomID is an optional base/observer room.  Absence is not fatal.
	RoomID string `yaml:"room_id"`
	// RegistrationSharedSecret is the Synapse registration_shared_secret.
	// When set, user creation falls back to the admin shared-secret API if
	// open (dummy) registration is refused by the homeserver.
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`
}

// Letta holds Letta API connection and dispatch settings.
type Letta struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
	// DefaultAgentID is the fallback agent when per-room resolution fails.
	DefaultAgentID string `yaml:"default_agent_id"`
	// StreamingEnabled turns on the step-stream dispatch path.
	StreamingEnabled bool `yaml:"streaming_enabled"`
	// StreamingTimeout is the total stream deadline.
	StreamingTimeout time.Duration `yaml:"streaming_timeout"`
	// Embedding is the default embedding config used when creating folders
	// for agents that do not carry their own.
	Embedding Embedding `yaml:"embedding"`
}

// Embedding describes an embedding model for Letta folder creation.
type Embedding struct {
	Model        string `yaml:"model" json:"embedding_model"`
	Endpoint     string `yaml:"endpoint" json:"embedding_endpoint,omitempty"`
	EndpointType string `yaml:"endpoint_type" json:"embedding_endpoint_type"`
	Dim          int    `yaml:"dim" json:"embedding_dim"`
	ChunkSize    int    `yaml:"chunk_size" json:"embedding_chunk_size"`
}

// Documents holds document-parsing and OCR settings.
type Documents struct {
	Enabled       bool          `yaml:"enabled"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	Timeout       time.Duration `yaml:"timeout"`
	OCREnabled    bool          `yaml:"ocr_enabled"`
	OCRDPI        int           `yaml:"ocr_dpi"`
	MaxTextLength int           `yaml:"max_text_length"`
	// Workers bounds the CPU-heavy extraction pool.
	Workers int `yaml:"workers"`
}

// Transcription holds the speech-to-text endpoint settings (OpenAI-compatible
// /audio/transcriptions shape).
type Transcription struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Config is the root bridge configuration.
type Config struct {
	Matrix        Matrix        `yaml:"matrix"`
	Letta         Letta         `yaml:"letta"`
	Documents     Documents     `yaml:"documents"`
	Transcription Transcription `yaml:"transcription"`

	// DataDir is the persistent state directory (mapping files + sqlite).
	DataDir string `yaml:"data_dir"`
	// SyncInterval is the delay between provisioning passes.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// DevMode replaces generated agent passwords with a literal constant so
	// local test environments stay reproducible.
	DevMode   bool   `yaml:"dev_mode"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load builds a Config from defaults, the optional YAML overlay, and the
// environment, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("BRIDGE_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Matrix: Matrix{Username: "@letta"},
		Letta: Letta{
			StreamingTimeout: 120 * time.Second,
			Embedding: Embedding{
				Model:        "text-embedding-3-small",
				EndpointType: "openai",
				Dim:          1536,
				ChunkSize:    300,
			},
		},
		Documents: Documents{
			Enabled:       true,
			MaxSizeMB:     50,
			Timeout:       120 * time.Second,
			OCREnabled:    true,
			OCRDPI:        200,
			MaxTextLength: 50000,
			Workers:       2,
		},
		Transcription: Transcription{Model: "whisper-1"},
		DataDir:       "./data",
		SyncInterval:  60 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Matrix.HomeserverURL = environment.StringOr("MATRIX_HOMESERVER_URL", cfg.Matrix.HomeserverURL)
	cfg.Matrix.ServerName = environment.StringOr("MATRIX_SERVER_NAME", cfg.Matrix.ServerName)
	cfg.Matrix.Username = environment.StringOr("MATRIX_USERNAME", cfg.Matrix.Username)
	cfg.Matrix.Password = environment.StringOr("MATRIX_PASSWORD", cfg.Matrix.Password)
	cfg.Matrix.AdminUsername = environment.StringOr("MATRIX_ADMIN_USERNAME", cfg.Matrix.AdminUsername)
	cfg.Matrix.AdminPassword = environment.StringOr("MATRIX_ADMIN_PASSWORD", cfg.Matrix.AdminPassword)
	cfg.Matrix.MCPUsername = environment.StringOr("MATRIX_MCP_USERNAME", cfg.Matrix.MCPUsername)
	cfg.Matrix.MCPPassword = environment.StringOr("MATRIX_MCP_PASSWORD", cfg.Matrix.MCPPassword)
	cfg.Matrix.MailBridgeUsername = environment.StringOr("MATRIX_MAIL_BRIDGE_USERNAME", cfg.Matrix.MailBridgeUsername)
	cfg.Matrix.MailBridgePassword = environment.StringOr("MATRIX_MAIL_BRIDGE_PASSWORD", cfg.Matrix.MailBridgePassword)
	cfg.Matrix.RoomID = environment.StringOr("MATRIX_ROOM_ID", cfg.Matrix.RoomID)
	cfg.Matrix.RegistrationSharedSecret = environment.StringOr("MATRIX_REGISTRATION_SHARED_SECRET", cfg.Matrix.RegistrationSharedSecret)

	cfg.DataDir = environment.StringOr("MATRIX_DATA_DIR", cfg.DataDir)
	cfg.SyncInterval = environment.SecondsOr("MATRIX_AGENT_SYNC_INTERVAL", cfg.SyncInterval)

	cfg.Letta.APIURL = environment.StringOr("LETTA_API_URL", cfg.Letta.APIURL)
	cfg.Letta.Token = environment.StringOr("LETTA_TOKEN", cfg.Letta.Token)
	cfg.Letta.DefaultAgentID = environment.StringOr("LETTA_AGENT_ID", cfg.Letta.DefaultAgentID)
	cfg.Letta.StreamingEnabled = environment.BoolOr("LETTA_STREAMING_ENABLED", cfg.Letta.StreamingEnabled)
	cfg.Letta.StreamingTimeout = environment.SecondsOr("LETTA_STREAMING_TIMEOUT", cfg.Letta.StreamingTimeout)
	cfg.Letta.Embedding.Model = environment.StringOr("LETTA_EMBEDDING_MODEL", cfg.Letta.Embedding.Model)
	cfg.Letta.Embedding.Endpoint = environment.StringOr("LETTA_EMBEDDING_ENDPOINT", cfg.Letta.Embedding.Endpoint)
	cfg.Letta.Embedding.EndpointType = environment.StringOr("LETTA_EMBEDDING_ENDPOINT_TYPE", cfg.Letta.Embedding.EndpointType)
	cfg.Letta.Embedding.Dim = environment.IntOr("LETTA_EMBEDDING_DIM", cfg.Letta.Embedding.Dim)
	cfg.Letta.Embedding.ChunkSize = environment.IntOr("LETTA_EMBEDDING_CHUNK_SIZE", cfg.Letta.Embedding.ChunkSize)

	cfg.Documents.Enabled = environment.BoolOr("DOCUMENT_PARSING_ENABLED", cfg.Documents.Enabled)
	cfg.Documents.MaxSizeMB = environment.IntOr("DOCUMENT_PARSING_MAX_SIZE_MB", cfg.Documents.MaxSizeMB)
	cfg.Documents.Timeout = environment.SecondsOr("DOCUMENT_PARSING_TIMEOUT", cfg.Documents.Timeout)
	cfg.Documents.OCREnabled = environment.BoolOr("DOCUMENT_PARSING_OCR_ENABLED", cfg.Documents.OCREnabled)
	cfg.Documents.OCRDPI = environment.IntOr("DOCUMENT_PARSING_OCR_DPI", cfg.Documents.OCRDPI)
	cfg.Documents.MaxTextLength = environment.IntOr("DOCUMENT_PARSING_MAX_TEXT_LENGTH", cfg.Documents.MaxTextLength)
	cfg.Documents.Workers = environment.IntOr("DOCUMENT_PARSING_WORKERS", cfg.Documents.Workers)

	cfg.Transcription.APIURL = environment.StringOr("TRANSCRIPTION_API_URL", cfg.Transcription.APIURL)
	cfg.Transcription.APIKey = environment.StringOr("TRANSCRIPTION_API_KEY", cfg.Transcription.APIKey)
	cfg.Transcription.Model = environment.StringOr("TRANSCRIPTION_MODEL", cfg.Transcription.Model)

	cfg.DevMode = environment.BoolOr("DEV_MODE", cfg.DevMode)
	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
}

// Validate checks the static requirements that must hold before the service
// graph is constructed.
func (c *Config) Validate() error {
	if c.Matrix.HomeserverURL == "" {
		return fmt.Errorf("config: MATRIX_HOMESERVER_URL is required")
	}
	if _, err := url.Parse(c.Matrix.HomeserverURL); err != nil {
		return fmt.Errorf("config: invalid MATRIX_HOMESERVER_URL: %w", err)
	}
	if c.Matrix.Username == "" || c.Matrix.Password == "" {
		return fmt.Errorf("config: MATRIX_USERNAME and MATRIX_PASSWORD are required")
	}
	if c.Letta.APIURL == "" {
		return fmt.Errorf("config: LETTA_API_URL is required")
	}
	if c.Documents.Workers < 2 {
		c.Documents.Workers = 2
	}
	if c.Matrix.AdminUsername == "" {
		c.Matrix.AdminUsername = c.Matrix.Username
		c.Matrix.AdminPassword = c.Matrix.Password
	}
	if c.Matrix.ServerName == "" {
		c.Matrix.ServerName = deriveServerName(c.Matrix.Username, c.Matrix.HomeserverURL)
	}
	if c.Matrix.ServerName == "" {
		return fmt.Errorf("config: could not derive Matrix server name; set MATRIX_SERVER_NAME")
	}
	return nil
}

// deriveServerName extracts the server name from a full user ID
// ("@letta:matrix.example.com") or, failing that, from the homeserver URL host.
func deriveServerName(username, homeserverURL string) string {
	if i := strings.Index(username, ":"); i >= 0 && strings.HasPrefix(username, "@") {
		return username[i+1:]
	}
	u, err := url.Parse(homeserverURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Localpart strips the leading "@" and trailing ":server" from a Matrix user
// ID, accepting bare localparts unchanged.
func Localpart(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return s
}

// UserID renders a full Matrix user ID for a localpart on the configured
// server.  Inputs that already look like full user IDs pass through.
func (m Matrix) UserID(nameOrLocalpart string) string {
	if strings.HasPrefix(nameOrLocalpart, "@") && strings.Contains(nameOrLocalpart, ":") {
		return nameOrLocalpart
	}
	return "@" + Localpart(nameOrLocalpart) + ":" + m.ServerName
}
