package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Signaling SignalingConfig `yaml:"signaling"`
	Auth      AuthConfig      `yaml:"auth"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WebRTCConfig struct {
	STUNServers []string          `yaml:"stun_servers"`
	MediaSource MediaSourceConfig `yaml:"media_source"`
}

// MediaSourceConfig describes an optional RTP feed fanned out to every
// peer in a room. Disabled when ListenAddr is empty.
type MediaSourceConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"MEDIA_LISTEN_ADDR" env-default:""`
	MimeType   string `yaml:"mime_type" env-default:"video/VP8"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN" env-default:""`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:""`
	Password string        `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env-default:"24h"`
}

type AMQPConfig struct {
	URL           string        `yaml:"url" env:"AMQP_URL" env-default:""`
	ConsumeQueues []string      `yaml:"consume_queues"`
	PublishPrefix string        `yaml:"publish_prefix" env-default:"device_"`
	Attempts      int           `yaml:"attempts" env-default:"5"`
	WaitTime      time.Duration `yaml:"wait_time" env-default:"2s"`
}

// SignalingConfig points at an upstream signaling server to join as a
// client. Disabled when URL is empty.
type SignalingConfig struct {
	URL     string `yaml:"url" env:"SIGNALING_URL" env-default:""`
	Room    string `yaml:"room" env:"SIGNALING_ROOM" env-default:""`
	LocalID string `yaml:"local_id" env:"SIGNALING_LOCAL_ID" env-default:""`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" env-default:""`
}

// MailboxConfig tunes per-peer mailbox supervision.
type MailboxConfig struct {
	MaxRestarts int           `yaml:"max_restarts" env-default:"3"`
	Backoff     time.Duration `yaml:"backoff" env-default:"100ms"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
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
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.WebRTC.MediaSource.MimeType == "" {
		c.WebRTC.MediaSource.MimeType = "video/VP8"
	}
}
