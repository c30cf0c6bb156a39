package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays MMATE_* environment variables onto cfg. Malformed numbers
// and durations are ignored and leave the current value in place.
func FromEnv(cfg *Config) {
	if v := os.Getenv("MMATE_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("MMATE_CONNECTION_NAME"); v != "" {
		cfg.ConnectionName = v
	}
	if v := os.Getenv("MMATE_REQUEST_EXCHANGE"); v != "" {
		cfg.Exchanges.Request = v
	}
	if v := os.Getenv("MMATE_REPLY_EXCHANGE"); v != "" {
		cfg.Exchanges.Reply = v
	}
	if v := os.Getenv("MMATE_QUEUE"); v != "" {
		cfg.Consumer.Queue = v
	}
	if v := os.Getenv("MMATE_ROUTING_KEYS"); v != "" {
		cfg.Consumer.RoutingKeys = splitList(v)
	}
	if v := os.Getenv("MMATE_CONSUMER_TAG"); v != "" {
		cfg.Consumer.ConsumerTag = v
	}
	setInt("MMATE_PREFETCH", &cfg.Consumer.Prefetch)
	setDuration("MMATE_IDLE_TIMEOUT", &cfg.Consumer.IdleTimeout)
	setInt("MMATE_TARGET", &cfg.Consumer.Target)

	if v := os.Getenv("MMATE_SERVER_ID"); v != "" {
		cfg.RPC.ServerID = v
	}
	if v := os.Getenv("MMATE_TRACE_RETURN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RPC.TraceReturn = b
		}
	}
	setDuration("MMATE_RPC_TIMEOUT", &cfg.RPC.Timeout)
	setDuration("MMATE_CONFIRM_TIMEOUT", &cfg.RPC.ConfirmTimeout)
	setInt("MMATE_PUBLISH_RETRIES", &cfg.RPC.PublishRetries)

	if v := os.Getenv("MMATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MMATE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("MMATE_HEALTH_ADDR"); v != "" {
		cfg.Health.Addr = v
	}
	setInt("MMATE_BACKLOG_THRESHOLD", &cfg.Health.BacklogThreshold)
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts Go durations ("1m30s") or plain seconds ("2.5").
func setDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		dst.Duration = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		dst.Duration = time.Duration(secs * float64(time.Second))
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
