// Package config maps viper keys to a typed configuration struct.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the daemon.
type Config struct {
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string

	DataDir            string
	CheckpointDir      string
	CheckpointKeep     int
	CheckpointSchedule string // cron expression; empty disables periodic checkpoints

	TaskTimeout time.Duration
	MaxRetries  int
	SubmitRate  float64

	WorkersMin int
	WorkersMax int

	RoundSchedule     string // cron expression; empty disables automatic rounds
	MatchBatchSize    int
	ThoroughThreshold float64
	LeadGap           float64

	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:    v.GetString("log_level"),
		HTTPAddr:    v.GetString("http_addr"),
		MetricsAddr: v.GetString("metrics_addr"),

		DataDir:            v.GetString("data_dir"),
		CheckpointDir:      v.GetString("checkpoint_dir"),
		CheckpointKeep:     v.GetInt("checkpoint_keep"),
		CheckpointSchedule: v.GetString("checkpoint_schedule"),

		TaskTimeout: v.GetDuration("task_timeout"),
		MaxRetries:  v.GetInt("max_retries"),
		SubmitRate:  v.GetFloat64("submit_rate"),

		WorkersMin: v.GetInt("workers_min"),
		WorkersMax: v.GetInt("workers_max"),

		RoundSchedule:     v.GetString("round_schedule"),
		MatchBatchSize:    v.GetInt("match_batch_size"),
		ThoroughThreshold: v.GetFloat64("thorough_threshold"),
		LeadGap:           v.GetFloat64("lead_gap"),

		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
