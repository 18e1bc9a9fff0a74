package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalVoiceYAML = `
mode: voice
call:
  to: "+15551230001"
  from: "+15551230002"
carrier:
  provider: twilio
  public_base_url: https://calls.example.com
  twilio_account_sid: AC123
  twilio_auth_token: secret
speech:
  openai_api_key: sk-test
`

func TestLoad_MinimalVoiceConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", minimalVoiceYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeVoice, cfg.Mode)
	assert.Equal(t, "+15551230001", cfg.Call.To)
	assert.Equal(t, "AC123", cfg.Carrier.TwilioAccountSID)

	// Defaults survive the overlay.
	assert.Equal(t, 15*time.Second, cfg.Call.ConnectTimeout)
	assert.Equal(t, 800, cfg.Speech.SilenceDurationMs)
	assert.Equal(t, "stderr", cfg.Logger.Output)
	assert.Equal(t, ":3333", cfg.Server.Addr)
	assert.Equal(t, 180*time.Second, cfg.Call.TranscriptTimeout)
}

func TestLoad_MissingFileUsesEnv(t *testing.T) {
	t.Setenv("CALLME_MODE", "chat")
	t.Setenv("CALLME_TELEGRAM_TOKEN", "tok")
	t.Setenv("CALLME_TELEGRAM_CHAT_ID", "42")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModeChat, cfg.Mode)
	assert.Equal(t, "tok", cfg.Chat.TelegramToken)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", minimalVoiceYAML)
	t.Setenv("CALLME_CALL_TO", "+15559998888")
	t.Setenv("CALLME_LOGGER_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "+15559998888", cfg.Call.To)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoad_ValidationAggregatesAllErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
mode: voice
carrier:
  provider: twilio
`)

	_, err := Load(path)
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "call.to is required")
	assert.Contains(t, err.Error(), "call.from is required")
	assert.Contains(t, err.Error(), "carrier.public_base_url is required")
	assert.Contains(t, err.Error(), "carrier.twilio_account_sid is required")
	assert.Contains(t, err.Error(), "speech.openai_api_key is required")
	assert.GreaterOrEqual(t, len(ve.Errors), 5)
}

func TestLoad_InsecurePermissionsRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", minimalVoiceYAML)
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "secrets.yaml", `
carrier:
  twilio_account_sid: AC123
  twilio_auth_token: secret
speech:
  openai_api_key: sk-test
`)
	path := writeConfig(t, dir, "config.yaml", `
includes:
  - secrets.yaml
mode: voice
call:
  to: "+15551230001"
  from: "+15551230002"
carrier:
  provider: twilio
  public_base_url: https://calls.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "AC123", cfg.Carrier.TwilioAccountSID)
	assert.Equal(t, "sk-test", cfg.Speech.OpenAIAPIKey)
}

func TestLoad_CircularIncludeRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes:\n  - b.yaml\n")
	writeConfig(t, dir, "b.yaml", "includes:\n  - a.yaml\n")
	path := writeConfig(t, dir, "config.yaml", "includes:\n  - a.yaml\n"+minimalVoiceYAML)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular include")
}

func TestLoad_IncludeEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", "includes:\n  - ../outside.yaml\n"+minimalVoiceYAML)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes config directory")
}

func TestEncryptDecryptValue_RoundTrip(t *testing.T) {
	enc, err := EncryptValue("hunter2", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, enc, "hunter2")

	dec, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", dec)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestLoad_DecryptsEncPrefixedSecrets(t *testing.T) {
	enc, err := EncryptValue("real-token", "k")
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
mode: voice
call:
  to: "+15551230001"
  from: "+15551230002"
carrier:
  provider: twilio
  public_base_url: https://calls.example.com
  twilio_account_sid: AC123
  twilio_auth_token: "enc:`+enc+`"
speech:
  openai_api_key: sk-test
`)
	t.Setenv("CALLME_CONFIG_KEY", "k")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "real-token", cfg.Carrier.TwilioAuthToken)
}
