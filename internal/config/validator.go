package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Pose backends
const (
	BackendSubprocess = "subprocess"
	BackendONNX       = "onnx"
	BackendScripted   = "scripted"
)

// Defaults
const (
	DefaultRequestIntervalMS  = 33
	DefaultRequestTimeoutMS   = 2000
	DefaultIdleYieldMS        = 5
	DefaultScoreSmoothing     = 0.4
	DefaultSubjectSmoothing   = 0.5
	DefaultReferenceSmoothing = 0.3
	DefaultTickIntervalMS     = 150
	DefaultCalibrationHoldS   = 3
	DefaultJoinTimeoutMS      = 100
	DefaultForceGraceMS       = 50
	DefaultShutdownTimeoutS   = 5
	DefaultReportDir          = "reports"
	DefaultRedisHistoryLen    = 100
)

func smoothingOK(v float64) bool { return v >= 0 && v < 1 }

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Capture
	if cfg.Capture.Source == "" {
		cfg.Capture.Source = "/dev/video0"
	}
	if cfg.Capture.Width <= 0 {
		cfg.Capture.Width = 640
	}
	if cfg.Capture.Height <= 0 {
		cfg.Capture.Height = 480
	}
	if cfg.Capture.FPS <= 0 {
		cfg.Capture.FPS = 30
	}

	// Media and audio
	if cfg.Media.Path == "" {
		return fmt.Errorf("media.path is required")
	}
	if cfg.Audio.Path == "" {
		cfg.Audio.Path = cfg.Media.Path
	}
	if cfg.Audio.Sink == "" {
		cfg.Audio.Sink = "autoaudiosink"
	}
	if cfg.Audio.Sync && !cfg.Audio.Enabled {
		return fmt.Errorf("audio.sync requires audio.enabled")
	}

	// Pose
	switch cfg.Pose.Backend {
	case "":
		cfg.Pose.Backend = BackendSubprocess
		fallthrough
	case BackendSubprocess:
		if cfg.Pose.WorkerCommand == "" {
			return fmt.Errorf("pose.worker_command is required for the subprocess backend")
		}
	case BackendONNX:
		if cfg.Pose.ModelPath == "" {
			return fmt.Errorf("pose.model_path is required for the onnx backend")
		}
	case BackendScripted:
	default:
		return fmt.Errorf("pose.backend: unknown backend '%s' (must be subprocess, onnx or scripted)", cfg.Pose.Backend)
	}
	if cfg.Pose.RequestIntervalMS <= 0 {
		cfg.Pose.RequestIntervalMS = DefaultRequestIntervalMS
	}
	if cfg.Pose.RequestTimeoutMS <= 0 {
		cfg.Pose.RequestTimeoutMS = DefaultRequestTimeoutMS
	}
	if cfg.Pose.IdleYieldMS <= 0 {
		cfg.Pose.IdleYieldMS = DefaultIdleYieldMS
	}

	// Scoring: zero means "not set"; an explicit 0 smoothing is not expressible
	if cfg.Scoring.ScoreSmoothing == 0 {
		cfg.Scoring.ScoreSmoothing = DefaultScoreSmoothing
	}
	if cfg.Scoring.SubjectSmoothing == 0 {
		cfg.Scoring.SubjectSmoothing = DefaultSubjectSmoothing
	}
	if cfg.Scoring.ReferenceSmoothing == 0 {
		cfg.Scoring.ReferenceSmoothing = DefaultReferenceSmoothing
	}
	for name, v := range map[string]float64{
		"scoring.score_smoothing":     cfg.Scoring.ScoreSmoothing,
		"scoring.subject_smoothing":   cfg.Scoring.SubjectSmoothing,
		"scoring.reference_smoothing": cfg.Scoring.ReferenceSmoothing,
	} {
		if !smoothingOK(v) {
			return fmt.Errorf("%s must be in [0, 1), got %v", name, v)
		}
	}

	// Session
	if cfg.Session.TickIntervalMS <= 0 {
		cfg.Session.TickIntervalMS = DefaultTickIntervalMS
	}
	if cfg.Session.CalibrationHoldS <= 0 {
		cfg.Session.CalibrationHoldS = DefaultCalibrationHoldS
	}
	if cfg.Session.JoinTimeoutMS <= 0 {
		cfg.Session.JoinTimeoutMS = DefaultJoinTimeoutMS
	}
	if cfg.Session.ForceGraceMS <= 0 {
		cfg.Session.ForceGraceMS = DefaultForceGraceMS
	}
	if cfg.Session.ShutdownTimeoutS <= 0 {
		cfg.Session.ShutdownTimeoutS = DefaultShutdownTimeoutS
	}
	if cfg.Session.ReportDir == "" {
		cfg.Session.ReportDir = DefaultReportDir
	}

	// Set default topics if not provided
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "mirror-" + cfg.InstanceID
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("mirror/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Scores == "" {
		cfg.MQTT.Topics.Scores = fmt.Sprintf("mirror/scores/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Reports == "" {
		cfg.MQTT.Topics.Reports = fmt.Sprintf("mirror/reports/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("mirror/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Redis.HistoryLen <= 0 {
		cfg.Redis.HistoryLen = DefaultRedisHistoryLen
	}

	// Logging
	switch cfg.Logging.Level {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 14
	}

	return nil
}
