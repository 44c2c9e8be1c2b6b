package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mirror daemon configuration
type Config struct {
	InstanceID string        `yaml:"instance_id"`
	Capture    CaptureConfig `yaml:"capture"`
	Media      MediaConfig   `yaml:"media"`
	Audio      AudioConfig   `yaml:"audio"`
	Pose       PoseConfig    `yaml:"pose"`
	Scoring    ScoringConfig `yaml:"scoring"`
	Session    SessionConfig `yaml:"session"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	Redis      RedisConfig   `yaml:"redis"`
	HTTP       HTTPConfig    `yaml:"http"`
	Logging    LoggingConfig `yaml:"logging"`
}

// CaptureConfig selects the live camera
type CaptureConfig struct {
	Source    string  `yaml:"source"`    // /dev/videoN, rtsp://..., "test" or "synthetic"
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FPS       float64 `yaml:"fps"`
	Flip      bool    `yaml:"flip"`      // horizontal mirror in the pipeline
	Reconnect bool    `yaml:"reconnect"` // network sources only
}

// MediaConfig points at the reference video
type MediaConfig struct {
	Path string `yaml:"path"`
}

// AudioConfig controls the playback master clock
type AudioConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to media.path
	Sink    string `yaml:"sink"` // GStreamer sink element
	Sync    bool   `yaml:"sync"` // video follows audio
}

// PoseConfig selects the estimation backend
type PoseConfig struct {
	Backend           string   `yaml:"backend"` // subprocess, onnx, scripted
	WorkerCommand     string   `yaml:"worker_command"`
	WorkerArgs        []string `yaml:"worker_args"`
	ModelPath         string   `yaml:"model_path"`
	ONNXLibrary       string   `yaml:"onnx_library"`
	Threads           int      `yaml:"threads"`
	RequestIntervalMS int      `yaml:"request_interval_ms"` // min spacing of requests per stream
	RequestTimeoutMS  int      `yaml:"request_timeout_ms"`
	IdleYieldMS       int      `yaml:"idle_yield_ms"`
	ReferenceIndex    string   `yaml:"reference_index"` // optional precomputed reference poses
}

// ScoringConfig holds smoothing factors
type ScoringConfig struct {
	ScoreSmoothing     float64 `yaml:"score_smoothing"`
	SubjectSmoothing   float64 `yaml:"subject_smoothing"`
	ReferenceSmoothing float64 `yaml:"reference_smoothing"`
	MirrorSubject      *bool   `yaml:"mirror_subject"`
}

// SessionConfig holds orchestration timing
type SessionConfig struct {
	TickIntervalMS   int    `yaml:"tick_interval_ms"`
	Calibration      *bool  `yaml:"calibration"`
	CalibrationHoldS int    `yaml:"calibration_hold_s"`
	JoinTimeoutMS    int    `yaml:"join_timeout_ms"`
	ForceGraceMS     int    `yaml:"force_grace_ms"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
	ReportDir        string `yaml:"report_dir"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string     `yaml:"broker"` // empty disables MQTT
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Scores  string `yaml:"scores"`
	Reports string `yaml:"reports"`
	Status  string `yaml:"status"`
}

// RedisConfig contains report store settings
type RedisConfig struct {
	Addr       string `yaml:"addr"` // empty disables the store
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	HistoryLen int    `yaml:"history_len"`
	TTLHours   int    `yaml:"ttl_hours"`
}

// HTTPConfig contains health server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // rotated by lumberjack; empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Tunables are the values a running session picks up on reload
type Tunables struct {
	RequestInterval    time.Duration
	ScoreSmoothing     float64
	SubjectSmoothing   float64
	ReferenceSmoothing float64
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (p PoseConfig) RequestInterval() time.Duration { return ms(p.RequestIntervalMS) }
func (p PoseConfig) RequestTimeout() time.Duration { return ms(p.RequestTimeoutMS) }
func (p PoseConfig) IdleYield() time.Duration { return ms(p.IdleYieldMS) }

func (s SessionConfig) TickInterval() time.Duration { return ms(s.TickIntervalMS) }
func (s SessionConfig) JoinTimeout() time.Duration { return ms(s.JoinTimeoutMS) }
func (s SessionConfig) ForceGrace() time.Duration { return ms(s.ForceGraceMS) }
func (s SessionConfig) CalibrationHold() time.Duration {
	return time.Duration(s.CalibrationHoldS) * time.Second
}
func (s SessionConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutS) * time.Second
}

// CalibrationEnabled reports whether sessions wait for the calibration gate.
func (s SessionConfig) CalibrationEnabled() bool { return s.Calibration == nil || *s.Calibration }

// Mirror reports whether subject poses are mirrored before scoring.
func (s ScoringConfig) Mirror() bool { return s.MirrorSubject == nil || *s.MirrorSubject }

// Tunables extracts the hot-reloadable values.
func (c *Config) Tunables() Tunables {
	return Tunables{
		RequestInterval:    c.Pose.RequestInterval(),
		ScoreSmoothing:     c.Scoring.ScoreSmoothing,
		SubjectSmoothing:   c.Scoring.SubjectSmoothing,
		ReferenceSmoothing: c.Scoring.ReferenceSmoothing,
	}
}

// Parse decodes YAML and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}
