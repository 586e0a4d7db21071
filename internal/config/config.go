package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Signaling SignalingConfig `yaml:"signaling"`
	Call      CallConfig      `yaml:"call"`
}

type HTTPConfig struct {
	Address      string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowOrigins []string `yaml:"allow_origins" env:"HTTP_ALLOW_ORIGINS"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN" env-default:""`
}

type WebRTCConfig struct {
	STUNServers  []string `yaml:"stun_servers" env:"STUN_SERVERS"`
	TURNServers  []string `yaml:"turn_servers" env:"TURN_SERVERS"`
	TURNUsername string   `yaml:"turn_username" env:"TURN_USERNAME" env-default:""`
	TURNPassword string   `yaml:"turn_password" env:"TURN_PASSWORD" env-default:""`
}

// SignalingConfig controls the realtime store that carries offers, answers
// and candidates between the two browsers of a call.
type SignalingConfig struct {
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"SIGNALING_LEASE_TTL" env-default:"30s"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SIGNALING_SWEEP_INTERVAL" env-default:"5s"`
	RoomsPath     string        `yaml:"rooms_path" env:"SIGNALING_ROOMS_PATH" env-default:"rooms"`
}

// CallConfig is read by the headless call participant.
type CallConfig struct {
	ServerURL          string        `yaml:"server_url" env:"CALL_SERVER_URL" env-default:"ws://localhost:8080/ws"`
	AlertTTL           time.Duration `yaml:"alert_ttl" env:"CALL_ALERT_TTL" env-default:"5s"`
	AnswerTimeout      time.Duration `yaml:"answer_timeout" env:"CALL_ANSWER_TIMEOUT" env-default:"0s"`
	RecordingsDir      string        `yaml:"recordings_dir" env:"CALL_RECORDINGS_DIR" env-default:"recordings"`
	RecordingTimeslice time.Duration `yaml:"recording_timeslice" env:"CALL_RECORDING_TIMESLICE" env-default:"1s"`
	AudioFile          string        `yaml:"audio_file" env:"CALL_AUDIO_FILE" env-default:""`
	VideoFile          string        `yaml:"video_file" env:"CALL_VIDEO_FILE" env-default:""`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	cfg, err := LoadPath(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// LoadPath reads the YAML file at configPath, applies environment overrides
// and fills in defaults.
func LoadPath(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, &os.PathError{Op: "config", Path: configPath, Err: os.ErrNotExist}
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	c.HTTP.AllowOrigins = compact(c.HTTP.AllowOrigins)
	c.WebRTC.STUNServers = compact(c.WebRTC.STUNServers)
	c.WebRTC.TURNServers = compact(c.WebRTC.TURNServers)

	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowOrigins) == 0 {
		c.HTTP.AllowOrigins = []string{"http://localhost:3000"}
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Signaling.LeaseTTL <= 0 {
		c.Signaling.LeaseTTL = 30 * time.Second
	}
	if c.Signaling.SweepInterval <= 0 {
		c.Signaling.SweepInterval = 5 * time.Second
	}
	if c.Signaling.RoomsPath == "" {
		c.Signaling.RoomsPath = "rooms"
	}
	if c.Call.AlertTTL <= 0 {
		c.Call.AlertTTL = 5 * time.Second
	}
	if c.Call.RecordingTimeslice <= 0 {
		c.Call.RecordingTimeslice = time.Second
	}
	if c.Call.RecordingsDir == "" {
		c.Call.RecordingsDir = "recordings"
	}
	if c.Call.AnswerTimeout < 0 {
		c.Call.AnswerTimeout = 0
	}
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
