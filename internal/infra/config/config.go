// Package config loads the process configuration from YAML and environment
// variables. Env vars win over file values; secrets may be stored encrypted
// with an "enc:" prefix and are decrypted with CALLME_CONFIG_KEY.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Mode selects which session engine the tool surface drives.
const (
	ModeVoice = "voice"
	ModeChat  = "chat"
)

// Config is the top-level application configuration.
type Config struct {
	Mode     string        `yaml:"mode"` // "voice" | "chat"
	Call     CallConfig    `yaml:"call"`
	Carrier  CarrierConfig `yaml:"carrier"`
	Speech   SpeechConfig  `yaml:"speech"`
	Chat     ChatConfig    `yaml:"chat"`
	Server   ServerConfig  `yaml:"server"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Includes []string      `yaml:"includes,omitempty"`
}

// CallConfig holds per-call behavior settings.
type CallConfig struct {
	To                string        `yaml:"to"`   // E.164 operator number
	From              string        `yaml:"from"` // E.164 caller ID
	AllowedNumbers    []string      `yaml:"allowed_numbers,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	TranscriptTimeout time.Duration `yaml:"transcript_timeout"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	MaxMessageLen     int           `yaml:"max_message_len"`
	DetectMachine     bool          `yaml:"detect_machine"`
	LogDir            string        `yaml:"log_dir"` // JSONL call log directory
}

// CarrierConfig holds telephony provider credentials.
type CarrierConfig struct {
	Provider      string `yaml:"provider"`        // "twilio" | "telnyx" | "mock"
	PublicBaseURL string `yaml:"public_base_url"` // https URL the carrier can reach

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`

	TelnyxConnectionID string `yaml:"telnyx_connection_id"`
	TelnyxAPIKey       string `yaml:"telnyx_api_key"`
	TelnyxPublicKey    string `yaml:"telnyx_public_key"` // base64 Ed25519
}

// SpeechConfig holds STT/TTS provider settings.
type SpeechConfig struct {
	OpenAIAPIKey      string `yaml:"openai_api_key"`
	STTModel          string `yaml:"stt_model"`
	TTSModel          string `yaml:"tts_model"`
	TTSVoice          string `yaml:"tts_voice"`
	SilenceDurationMs int    `yaml:"silence_duration_ms"` // VAD end-of-utterance threshold

	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// ChatConfig holds the text-chat variant settings.
type ChatConfig struct {
	TelegramToken  string        `yaml:"telegram_token"`
	TelegramChatID string        `yaml:"telegram_chat_id"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
}

// ServerConfig holds the webhook/media HTTP server settings.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	AllowUnsigned   bool   `yaml:"allow_unsigned"` // dev-only: skip signature checks
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	RateBurst       int    `yaml:"rate_burst"`
}

// LoggerConfig holds logging settings. Output defaults to stderr because
// stdout carries the tool RPC stream.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.callme.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".callme")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Mode: ModeVoice,
		Call: CallConfig{
			ConnectTimeout:    15 * time.Second,
			TranscriptTimeout: 180 * time.Second,
			MaxDuration:       2 * time.Hour,
			MaxMessageLen:     4096,
			DetectMachine:     true,
			LogDir:            dataDir,
		},
		Carrier: CarrierConfig{
			Provider: "twilio",
		},
		Speech: SpeechConfig{
			STTModel:           "gpt-4o-transcribe",
			TTSModel:           "tts-1",
			TTSVoice:           "alloy",
			SilenceDurationMs:  800,
			BreakerMaxFailures: 3,
			BreakerTimeout:     30 * time.Second,
		},
		Chat: ChatConfig{
			ReplyTimeout: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:            ":3333",
			RateLimitPerMin: 300,
			RateBurst:       50,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: env vars alone can carry a full
// configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := finishLoad(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass picks up the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// Second pass so the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)
	if err := finishLoad(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finishLoad(cfg *Config) error {
	if passphrase := os.Getenv("CALLME_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
	}
	return Validate(cfg)
}

// ApplyEnvOverrides maps CALLME_* env vars onto config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLME_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("CALLME_CALL_TO"); v != "" {
		cfg.Call.To = v
	}
	if v := os.Getenv("CALLME_CALL_FROM"); v != "" {
		cfg.Call.From = v
	}
	if v := os.Getenv("CALLME_CALL_ALLOWED_NUMBERS"); v != "" {
		cfg.Call.AllowedNumbers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CALLME_CALL_LOG_DIR"); v != "" {
		cfg.Call.LogDir = v
	}
	if v := os.Getenv("CALLME_CALL_TRANSCRIPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Call.TranscriptTimeout = d
		}
	}
	if v := os.Getenv("CALLME_CARRIER_PROVIDER"); v != "" {
		cfg.Carrier.Provider = v
	}
	if v := os.Getenv("CALLME_PUBLIC_BASE_URL"); v != "" {
		cfg.Carrier.PublicBaseURL = v
	}
	if v := os.Getenv("CALLME_TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Carrier.TwilioAccountSID = v
	}
	if v := os.Getenv("CALLME_TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Carrier.TwilioAuthToken = v
	}
	if v := os.Getenv("CALLME_TELNYX_CONNECTION_ID"); v != "" {
		cfg.Carrier.TelnyxConnectionID = v
	}
	if v := os.Getenv("CALLME_TELNYX_API_KEY"); v != "" {
		cfg.Carrier.TelnyxAPIKey = v
	}
	if v := os.Getenv("CALLME_TELNYX_PUBLIC_KEY"); v != "" {
		cfg.Carrier.TelnyxPublicKey = v
	}
	if v := os.Getenv("CALLME_OPENAI_API_KEY"); v != "" {
		cfg.Speech.OpenAIAPIKey = v
	}
	if v := os.Getenv("CALLME_STT_MODEL"); v != "" {
		cfg.Speech.STTModel = v
	}
	if v := os.Getenv("CALLME_TTS_MODEL"); v != "" {
		cfg.Speech.TTSModel = v
	}
	if v := os.Getenv("CALLME_TTS_VOICE"); v != "" {
		cfg.Speech.TTSVoice = v
	}
	if v := os.Getenv("CALLME_SILENCE_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Speech.SilenceDurationMs = n
		}
	}
	if v := os.Getenv("CALLME_TELEGRAM_TOKEN"); v != "" {
		cfg.Chat.TelegramToken = v
	}
	if v := os.Getenv("CALLME_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Chat.TelegramChatID = v
	}
	if v := os.Getenv("CALLME_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CALLME_ALLOW_UNSIGNED"); v == "true" {
		cfg.Server.AllowUnsigned = true
	}
	if v := os.Getenv("CALLME_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CALLME_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CALLME_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("CALLME_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CALLME_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets resolves "enc:..." values in credential fields.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []*string{
		&cfg.Carrier.TwilioAuthToken,
		&cfg.Carrier.TelnyxAPIKey,
		&cfg.Speech.OpenAIAPIKey,
		&cfg.Chat.TelegramToken,
	}
	for _, fp := range fields {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return err
			}
			*fp = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a secret with AES-256-GCM under an argon2id-derived
// key. Output format: hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an EncryptValue output.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions,
// since it may carry carrier credentials in the clear.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
