package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors so a misconfigured
// process reports every problem at once.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing all problems found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateMode(cfg, ve)
	validateCall(cfg, ve)
	if cfg.Mode == ModeVoice {
		validateCarrier(cfg, ve)
		validateSpeech(cfg, ve)
		validateServer(cfg, ve)
	}
	if cfg.Mode == ModeChat {
		validateChat(cfg, ve)
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateMode(cfg *Config, ve *ValidationError) {
	if cfg.Mode != ModeVoice && cfg.Mode != ModeChat {
		ve.Add("mode %q is invalid (want: voice, chat)", cfg.Mode)
	}
}

func validateCall(cfg *Config, ve *ValidationError) {
	if cfg.Mode == ModeVoice {
		if cfg.Call.To == "" {
			ve.Add("call.to is required in voice mode (set via CALLME_CALL_TO)")
		} else if !IsE164(cfg.Call.To) {
			ve.Add("call.to %q is not a valid E.164 phone number", cfg.Call.To)
		}
		if cfg.Call.From == "" {
			ve.Add("call.from is required in voice mode (set via CALLME_CALL_FROM)")
		} else if !IsE164(cfg.Call.From) {
			ve.Add("call.from %q is not a valid E.164 phone number", cfg.Call.From)
		}
	}
	allowed := len(cfg.Call.AllowedNumbers) == 0
	for i, num := range cfg.Call.AllowedNumbers {
		if !IsE164(num) {
			ve.Add("call.allowed_numbers[%d] %q is not a valid E.164 phone number", i, num)
		}
		if num == cfg.Call.To {
			allowed = true
		}
	}
	if cfg.Mode == ModeVoice && cfg.Call.To != "" && !allowed {
		ve.Add("call.to %q is not on call.allowed_numbers", cfg.Call.To)
	}
	if cfg.Call.ConnectTimeout <= 0 {
		ve.Add("call.connect_timeout must be > 0")
	}
	if cfg.Call.TranscriptTimeout <= 0 {
		ve.Add("call.transcript_timeout must be > 0")
	}
	if cfg.Call.MaxDuration <= 0 {
		ve.Add("call.max_duration must be > 0")
	}
	if cfg.Call.MaxMessageLen <= 0 {
		ve.Add("call.max_message_len must be > 0")
	}
}

var validProviders = map[string]bool{
	"twilio": true,
	"telnyx": true,
	"mock":   true,
}

func validateCarrier(cfg *Config, ve *ValidationError) {
	c := cfg.Carrier
	if !validProviders[c.Provider] {
		ve.Add("carrier.provider %q is invalid (want: twilio, telnyx, mock)", c.Provider)
		return
	}
	if c.Provider == "mock" {
		return
	}

	if c.PublicBaseURL == "" {
		ve.Add("carrier.public_base_url is required (set via CALLME_PUBLIC_BASE_URL)")
	} else if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme != "https" || u.Host == "" {
		ve.Add("carrier.public_base_url %q must be an absolute https URL", c.PublicBaseURL)
	}

	switch c.Provider {
	case "twilio":
		if c.TwilioAccountSID == "" {
			ve.Add("carrier.twilio_account_sid is required (set via CALLME_TWILIO_ACCOUNT_SID)")
		}
		if c.TwilioAuthToken == "" {
			ve.Add("carrier.twilio_auth_token is required (set via CALLME_TWILIO_AUTH_TOKEN)")
		}
	case "telnyx":
		if c.TelnyxConnectionID == "" {
			ve.Add("carrier.telnyx_connection_id is required (set via CALLME_TELNYX_CONNECTION_ID)")
		}
		if c.TelnyxAPIKey == "" {
			ve.Add("carrier.telnyx_api_key is required (set via CALLME_TELNYX_API_KEY)")
		}
		if c.TelnyxPublicKey == "" {
			ve.Add("carrier.telnyx_public_key is required (set via CALLME_TELNYX_PUBLIC_KEY)")
		}
	}
}

func validateSpeech(cfg *Config, ve *ValidationError) {
	if cfg.Speech.OpenAIAPIKey == "" {
		ve.Add("speech.openai_api_key is required in voice mode (set via CALLME_OPENAI_API_KEY)")
	}
	if cfg.Speech.SilenceDurationMs <= 0 {
		ve.Add("speech.silence_duration_ms must be > 0")
	}
	if cfg.Speech.BreakerMaxFailures == 0 {
		ve.Add("speech.breaker_max_failures must be > 0")
	}
}

func validateChat(cfg *Config, ve *ValidationError) {
	if cfg.Chat.TelegramToken == "" {
		ve.Add("chat.telegram_token is required in chat mode (set via CALLME_TELEGRAM_TOKEN)")
	}
	if cfg.Chat.TelegramChatID == "" {
		ve.Add("chat.telegram_chat_id is required in chat mode (set via CALLME_TELEGRAM_CHAT_ID)")
	}
	if cfg.Chat.ReplyTimeout <= 0 {
		ve.Add("chat.reply_timeout must be > 0")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr is required in voice mode")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.RateLimitPerMin <= 0 {
		ve.Add("server.rate_limit_per_min must be > 0")
	}
	if cfg.Server.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0")
	}
}

// IsE164 validates an E.164 phone number format.
func IsE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	if phone[1] < '1' || phone[1] > '9' {
		return false
	}
	for _, c := range phone[2:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
