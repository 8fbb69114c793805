// Package config loads bot configuration from the environment, an optional
// .env file and an optional YAML tuning file for the voice thresholds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all bot configuration.
type Config struct {
	DiscordToken   string
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	CommandPrefix  string
	AllowedUserIDs []string

	STT       STTConfig
	TTS       TTSConfig
	LLM       LLMConfig
	Calendar  CalendarConfig
	SaveAudio SaveAudioConfig
	Voice     VoiceTuning

	// PromptTimeout bounds each answer in the interactive #schedule dialog.
	PromptTimeout time.Duration
	// DBPath enables SQLite persistence of conversation state when set.
	DBPath     string
	OpsAddr    string
	TuningFile string
}

type STTConfig struct {
	URL         string
	Timeout     time.Duration
	Attempts    int
	BackoffBase time.Duration
	Language    string
}

type TTSConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// FallbackModel is tried once when Model fails transiently.
	FallbackModel string
	VisionModel   string
	Timeout       time.Duration
	MaxTokens     int
}

// CalendarConfig points at the MCP server exposing the free/busy tool.
// URL (websocket) wins over Command when both are set.
type CalendarConfig struct {
	URL      string
	Command  string
	Args     []string
	Timezone string
}

type SaveAudioConfig struct {
	Enabled   bool
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	MaxFiles  int
}

// VoiceTuning carries the segmentation and trim thresholds. Field tags match
// the keys accepted in TUNING_FILE.
type VoiceTuning struct {
	AmplitudeThreshold float64       `yaml:"amplitude_threshold"`
	SilenceRMS         float64       `yaml:"silence_rms"`
	SilenceDuration    time.Duration `yaml:"silence_duration"`
	MinUtterance       time.Duration `yaml:"min_utterance"`
	Cooldown           time.Duration `yaml:"cooldown"`
	Guard              time.Duration `yaml:"guard"`
	Window             time.Duration `yaml:"window"`
}

// DefaultVoiceTuning returns the thresholds the bot ships with.
func DefaultVoiceTuning() VoiceTuning {
	return VoiceTuning{
		AmplitudeThreshold: 500,
		SilenceRMS:         500,
		SilenceDuration:    2 * time.Second,
		MinUtterance:       300 * time.Millisecond,
		Cooldown:           5 * time.Second,
		Guard:              500 * time.Millisecond,
		Window:             20 * time.Millisecond,
	}
}

// Load reads .env (if present), then the environment, then TUNING_FILE.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:   getEnv("DISCORD_BOT_TOKEN", ""),
		GuildID:        getEnv("GUILD_ID", ""),
		VoiceChannelID: getEnv("VOICE_CHANNEL_ID", ""),
		TextChannelID:  getEnv("TEXT_CHANNEL_ID", ""),
		CommandPrefix:  getEnv("COMMAND_PREFIX", "#"),
		AllowedUserIDs: getEnvList("ALLOWED_USER_IDS"),
		STT: STTConfig{
			URL:         getEnv("WHISPER_URL", ""),
			Timeout:     getEnvDuration("WHISPER_TIMEOUT", 30*time.Second),
			Attempts:    getEnvInt("STT_ATTEMPTS", 2),
			BackoffBase: getEnvDuration("STT_BACKOFF_BASE", time.Second),
			Language:    getEnv("STT_LANGUAGE", ""),
		},
		TTS: TTSConfig{
			URL:       getEnv("TTS_URL", ""),
			AuthToken: getEnv("TTS_AUTH_TOKEN", ""),
			Timeout:   getEnvDuration("TTS_TIMEOUT", 10*time.Second),
		},
		LLM: LLMConfig{
			BaseURL:       getEnv("OPENAI_BASE_URL", ""),
			APIKey:        getEnv("OPENAI_API_KEY", ""),
			Model:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			FallbackModel: getEnv("OPENAI_FALLBACK_MODEL", ""),
			VisionModel:   getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
			Timeout:       getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			MaxTokens:     getEnvInt("LLM_MAX_TOKENS", 512),
		},
		Calendar: CalendarConfig{
			URL:      getEnv("MCP_CALENDAR_URL", ""),
			Command:  getEnv("MCP_CALENDAR_COMMAND", ""),
			Args:     strings.Fields(getEnv("MCP_CALENDAR_ARGS", "")),
			Timezone: getEnv("CALENDAR_TIMEZONE", "UTC"),
		},
		SaveAudio: SaveAudioConfig{
			Enabled:   getEnvBool("SAVE_AUDIO_ENABLED", false),
			Dir:       getEnv("SAVE_AUDIO_DIR", "./data/audio"),
			Retention: getEnvDuration("SAVE_AUDIO_RETENTION", 24*time.Hour),
			Interval:  getEnvDuration("SAVE_AUDIO_CLEAN_INTERVAL", 10*time.Minute),
			MaxFiles:  getEnvInt("SAVE_AUDIO_MAX_FILES", 500),
		},
		Voice:         DefaultVoiceTuning(),
		PromptTimeout: getEnvDuration("PROMPT_TIMEOUT", 30*time.Second),
		DBPath:        getEnv("DB_PATH", ""),
		OpsAddr:       getEnv("OPS_ADDR", ":9090"),
		TuningFile:    getEnv("TUNING_FILE", ""),
	}

	if cfg.TuningFile != "" {
		if err := cfg.loadTuning(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadTuning overlays VoiceTuning with the keys present in path. Unknown keys
// are rejected so typos do not silently fall back to defaults.
func (c *Config) loadTuning(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c.Voice); err != nil {
		return fmt.Errorf("decode tuning file %s: %w", path, err)
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
	}
	if c.CommandPrefix == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX must not be empty"))
	}
	if c.STT.Attempts < 1 {
		errs = append(errs, errors.New("STT_ATTEMPTS must be at least 1"))
	}
	if c.PromptTimeout <= 0 {
		errs = append(errs, errors.New("PROMPT_TIMEOUT must be positive"))
	}
	v := c.Voice
	if v.AmplitudeThreshold <= 0 || v.SilenceRMS <= 0 {
		errs = append(errs, errors.New("voice thresholds must be positive"))
	}
	if v.Window <= 0 {
		errs = append(errs, errors.New("voice window must be positive"))
	}
	if v.SilenceDuration <= 0 || v.MinUtterance < 0 || v.Cooldown < 0 || v.Guard < 0 {
		errs = append(errs, errors.New("voice durations must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("750ms") or a bare integer
// number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
