package config

import (
	"os"
	"strconv"
)

// Tables holds the datastore table names, resolved once at startup and
// passed by reference into the store. The table layout is configurable
// because deployments have used both singular and plural names.
type Tables struct {
	CallLog string
	Drivers string
	Agents  string
}

type Config struct {
	Port        int
	DatabaseURL string
	NatsURL     string
	NatsToken   string
	LogLevel    string

	// VoiceVendor selects the outbound call vendor: "retell" or "pipecat".
	VoiceVendor string

	RetellAPIKey        string
	RetellBaseURL       string
	RetellAgentID       string
	RetellAgentVersion  int
	RetellWebhookSecret string
	FromNumber          string

	PipecatClientURL string

	Tables Tables
}

func Load() Config {
	return Config{
		Port:        envInt("DISPATCHD_PORT", 8780),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		VoiceVendor: envStr("VOICE_VENDOR", "retell"),

		RetellAPIKey:        envStr("RETELL_API_KEY", ""),
		RetellBaseURL:       envStr("RETELL_BASE_URL", "https://api.retellai.com"),
		RetellAgentID:       envStr("RETELL_AGENT_ID", ""),
		RetellAgentVersion:  envInt("RETELL_AGENT_VERSION", 1),
		RetellWebhookSecret: envStr("RETELL_WEBHOOK_SECRET", ""),
		FromNumber:          envStr("DISPATCH_FROM_NUMBER", ""),

		PipecatClientURL: envStr("PIPECAT_CLIENT_URL", "http://127.0.0.1:5173"),

		Tables: Tables{
			CallLog: envStr("TABLE_CALLLOG", "calllog"),
			Drivers: envStr("TABLE_DRIVERS", "drivers"),
			Agents:  envStr("TABLE_AGENTS", "agent"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
