// Package config loads rollcall settings from defaults, an optional YAML file,
// .env and ROLLCALL_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "ROLLCALL"

type Config struct {
	Log         Log         `mapstructure:"log"`
	Database    Database    `mapstructure:"database"`
	Gallery     Gallery     `mapstructure:"gallery"`
	Sink        Sink        `mapstructure:"sink"`
	Recognition Recognition `mapstructure:"recognition"`
	Engagement  Engagement  `mapstructure:"engagement"`
	Session     Session     `mapstructure:"session"`
	Camera      Camera      `mapstructure:"camera"`
	Worker      Worker      `mapstructure:"worker"`
	Control     Control     `mapstructure:"control"`
	Schedule    Schedule    `mapstructure:"schedule"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=development production"`
}

type Database struct {
	URL string `mapstructure:"url"`
}

type Gallery struct {
	Source string `mapstructure:"source" validate:"oneof=postgres file"`
	File   string `mapstructure:"file" validate:"required_if=Source file"`
}

type Sink struct {
	Kind       string        `mapstructure:"kind" validate:"oneof=postgres csv"`
	CSVPath    string        `mapstructure:"csv_path" validate:"required_if=Kind csv"`
	Retries    int           `mapstructure:"retries" validate:"min=0,max=20"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"min=0"`
}

type Recognition struct {
	Metric             string  `mapstructure:"metric" validate:"oneof=euclidean cosine"`
	MatchThreshold     float64 `mapstructure:"match_threshold" validate:"gt=0"`
	TieEpsilon         float64 `mapstructure:"tie_epsilon" validate:"min=0"`
	DetectionThreshold float64 `mapstructure:"detection_threshold" validate:"min=0,max=1"`
}

type Engagement struct {
	ClosedEyeRatio float64 `mapstructure:"closed_eye_ratio" validate:"gt=0,lt=1"`
	Window         int     `mapstructure:"window" validate:"min=1,max=100"`
}

type Session struct {
	SleepyFraction float64       `mapstructure:"sleepy_fraction" validate:"gt=0,lt=1"`
	// Duration is how long `take` keeps a period open when no end time is given.
	Duration       time.Duration `mapstructure:"duration" validate:"min=0"`
	MaxFrameErrors int           `mapstructure:"max_frame_errors" validate:"min=1"`
}

type Camera struct {
	Device       string        `mapstructure:"device"`
	Format       string        `mapstructure:"format"`
	FrameRate    int           `mapstructure:"frame_rate" validate:"min=0"`
	NthFrame     int           `mapstructure:"nth_frame" validate:"min=1"`
	MaxWidth     int           `mapstructure:"max_width" validate:"min=0"`
	StartTimeout time.Duration `mapstructure:"start_timeout" validate:"gt=0"`
}

type Worker struct {
	Python   string        `mapstructure:"python" validate:"required"`
	Script   string        `mapstructure:"script" validate:"required"`
	Model    string        `mapstructure:"model" validate:"oneof=hog cnn"`
	Upsample int           `mapstructure:"upsample" validate:"min=0,max=4"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type Control struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

type Schedule struct {
	// Periods lists "N=HH:MM-HH:MM" entries.
	Periods  []string `mapstructure:"periods"`
	Weekdays string   `mapstructure:"weekdays" validate:"required"`
	Timezone string   `mapstructure:"timezone" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "development")

	v.SetDefault("database.url", "")

	v.SetDefault("gallery.source", "postgres")
	v.SetDefault("gallery.file", "")

	v.SetDefault("sink.kind", "postgres")
	v.SetDefault("sink.csv_path", "attendance.csv")
	v.SetDefault("sink.retries", 3)
	v.SetDefault("sink.retry_delay", 2*time.Second)

	v.SetDefault("recognition.metric", "euclidean")
	v.SetDefault("recognition.match_threshold", 0.5)
	v.SetDefault("recognition.tie_epsilon", 0.01)
	v.SetDefault("recognition.detection_threshold", 0.5)

	v.SetDefault("engagement.closed_eye_ratio", 0.21)
	v.SetDefault("engagement.window", 5)

	v.SetDefault("session.sleepy_fraction", 0.5)
	v.SetDefault("session.duration", 45*time.Minute)
	v.SetDefault("session.max_frame_errors", 5)

	v.SetDefault("camera.device", "/dev/video0")
	v.SetDefault("camera.format", "v4l2")
	v.SetDefault("camera.frame_rate", 2)
	v.SetDefault("camera.nth_frame", 1)
	v.SetDefault("camera.max_width", 960)
	v.SetDefault("camera.start_timeout", 10*time.Second)

	v.SetDefault("worker.python", "python3")
	v.SetDefault("worker.script", "python/worker.py")
	v.SetDefault("worker.model", "hog")
	v.SetDefault("worker.upsample", 1)
	v.SetDefault("worker.timeout", 30*time.Second)

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.addr", "127.0.0.1:8089")

	v.SetDefault("schedule.periods", []string{})
	v.SetDefault("schedule.weekdays", "MON-FRI")
	v.SetDefault("schedule.timezone", "Local")
}

// New builds a viper instance with defaults, the environment and, when
// configFile is set, that YAML file. A .env in the working directory is loaded
// into the environment first if it exists.
func New(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates v, filling the database URL from the
// POSTGRES_* variables when it is not set directly.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if c.Database.URL == "" {
		c.Database.URL = postgresURLFromEnv()
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// Load is New followed by Decode.
func Load(configFile string) (*Config, error) {
	v, err := New(configFile)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/rollcall"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
