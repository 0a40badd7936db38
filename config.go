package main

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	defaultModels       = "nvidia/nemotron-nano-9b-v2:free,meituan/longcat-flash-chat:free,minimax/minimax-m2:free"
	defaultSystemPrompt = "You are a helpful assistant. Keep responses concise and under 200 words."
	defaultDNSPort      = 53
	defaultDNSAddress   = "0.0.0.0"
)

// dotenvFiles are merged in order when present; later files win.
var dotenvFiles = []string{".env", ".env.local"}

// Config is read once at startup and passed by value from then on.
type Config struct {
	APIKey       string
	Models       []string
	Endpoint     string
	SystemPrompt string
	Sampling     Sampling

	Host string
	Port uint16

	MaxChunkSize int
	MaxTotalSize int
	MaxInFlight  int

	RateLimit float64 // per client per minute, 0 disables
	RateBurst int

	SSHPort    int
	SSHHostKey string // empty means a new host key per start
	HTTPPort   int

	LogLevel string
	LogEnv   string
}

// BindAddr is the UDP address the DNS listener binds.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("OPENROUTER_MODEL", defaultModels)
	v.SetDefault("OPENROUTER_URL", defaultEndpoint)
	v.SetDefault("SYSTEM_PROMPT", defaultSystemPrompt)
	v.SetDefault("MAX_CHUNK_SIZE", defaultMaxChunkSize)
	v.SetDefault("MAX_TOTAL_SIZE", defaultMaxTotalSize)
	v.SetDefault("MAX_INFLIGHT", 0)
	v.SetDefault("RATE_LIMIT", 0)
	v.SetDefault("RATE_BURST", 10)
	v.SetDefault("SSH_PORT", 0)
	v.SetDefault("SSH_HOST_KEY", "ssh_host_key")
	v.SetDefault("HTTP_PORT", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_ENV", "production")
	v.AutomaticEnv()
	return v
}

// LoadConfig merges defaults, the dotenv files in the working directory, cfgFile (if not
// empty) and the process environment, in increasing priority.
func LoadConfig(cfgFile string) (Config, error) {
	v := newViper()

	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		v.SetConfigFile(f)
		v.SetConfigType("env")
		if err := v.MergeInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read %s", f)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("")
		if err := v.MergeInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %s", cfgFile)
		}
	}

	return configFrom(v)
}

func configFrom(v *viper.Viper) (Config, error) {
	var cfg Config

	cfg.APIKey = strings.TrimSpace(v.GetString("OPENROUTER_API_KEY"))
	if cfg.APIKey == "" {
		return Config{}, errors.Wrap(ErrInvalidConfiguration, "OPENROUTER_API_KEY environment variable not set")
	}

	cfg.Models = parseModels(v.GetString("OPENROUTER_MODEL"))
	if len(cfg.Models) == 0 {
		return Config{}, errors.Wrap(ErrInvalidConfiguration, "OPENROUTER_MODEL list cannot be empty")
	}

	cfg.Endpoint = v.GetString("OPENROUTER_URL")
	cfg.SystemPrompt = v.GetString("SYSTEM_PROMPT")

	port := firstSet(v, "PORT", "DNS_PORT")
	if port == "" {
		cfg.Port = defaultDNSPort
	} else {
		p, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
		if err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfiguration, "invalid PORT/DNS_PORT value %q", port)
		}
		cfg.Port = uint16(p)
	}

	cfg.Host = firstSet(v, "HOST", "DNS_ADDRESS")
	if cfg.Host == "" {
		cfg.Host = defaultDNSAddress
	}

	var err error
	if cfg.Sampling, err = samplingFrom(v); err != nil {
		return Config{}, err
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CHUNK_SIZE", &cfg.MaxChunkSize},
		{"MAX_TOTAL_SIZE", &cfg.MaxTotalSize},
		{"MAX_INFLIGHT", &cfg.MaxInFlight},
		{"RATE_BURST", &cfg.RateBurst},
		{"SSH_PORT", &cfg.SSHPort},
		{"HTTP_PORT", &cfg.HTTPPort},
	}
	for _, f := range ints {
		n, err := cast.ToIntE(v.Get(f.key))
		if err != nil || n < 0 {
			return Config{}, errors.Wrapf(ErrInvalidConfiguration, "invalid %s value %v", f.key, v.Get(f.key))
		}
		*f.dst = n
	}
	if cfg.MaxChunkSize > maxTXTString {
		return Config{}, errors.Wrapf(ErrInvalidConfiguration, "MAX_CHUNK_SIZE %d exceeds the %d byte TXT string limit", cfg.MaxChunkSize, maxTXTString)
	}

	cfg.RateLimit, err = cast.ToFloat64E(v.Get("RATE_LIMIT"))
	if err != nil || cfg.RateLimit < 0 {
		return Config{}, errors.Wrapf(ErrInvalidConfiguration, "invalid RATE_LIMIT value %v", v.Get("RATE_LIMIT"))
	}

	cfg.SSHHostKey = v.GetString("SSH_HOST_KEY")
	cfg.LogLevel = v.GetString("LOG_LEVEL")
	cfg.LogEnv = v.GetString("LOG_ENV")
	return cfg, nil
}

// parseModels splits a comma separated list, dropping blank entries.
func parseModels(list string) []string {
	var models []string
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}

func firstSet(v *viper.Viper, keys ...string) string {
	for _, k := range keys {
		if s := v.GetString(k); s != "" {
			return s
		}
	}
	return ""
}

func samplingFrom(v *viper.Viper) (Sampling, error) {
	var s Sampling

	floats := []struct {
		key string
		dst **float64
	}{
		{"LLM_TEMPERATURE", &s.Temperature},
		{"LLM_TOP_P", &s.TopP},
		{"LLM_FREQUENCY_PENALTY", &s.FrequencyPenalty},
		{"LLM_PRESENCE_PENALTY", &s.PresencePenalty},
	}
	for _, f := range floats {
		raw := v.GetString(f.key)
		if raw == "" {
			continue
		}
		x, err := cast.ToFloat64E(raw)
		if err != nil {
			return Sampling{}, errors.Wrapf(ErrInvalidConfiguration, "invalid %s value %q", f.key, raw)
		}
		*f.dst = &x
	}

	ints := []struct {
		key string
		dst **int
	}{
		{"LLM_MAX_TOKENS", &s.MaxTokens},
		{"LLM_TOP_K", &s.TopK},
	}
	for _, f := range ints {
		raw := v.GetString(f.key)
		if raw == "" {
			continue
		}
		n, err := cast.ToIntE(raw)
		if err != nil {
			return Sampling{}, errors.Wrapf(ErrInvalidConfiguration, "invalid %s value %q", f.key, raw)
		}
		*f.dst = &n
	}
	return s, nil
}
