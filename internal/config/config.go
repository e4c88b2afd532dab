package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

// Process roles
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Store     StoreConfig
	Queue     QueueConfig
	Progress  ProgressConfig
	Projects  ProjectsConfig
	Render    RenderConfig
	TTS       TTSConfig
	Renderer  RendererConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
	Role      string
}

// RunsAPI reports whether this process serves HTTP.
func (s ServerConfig) RunsAPI() bool {
	return s.Role != RoleWorker
}

// RunsWorkers reports whether this process executes render jobs.
func (s ServerConfig) RunsWorkers() bool {
	return s.Role != RoleAPI
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
	// RequiredRole, when set, must be granted to every caller.
	RequiredRole string
}

type GatewayConfig struct {
	Enabled bool
	// SharedSecret is the X-Gateway-Secret value the gateway adds to forwarded requests.
	SharedSecret string
}

type StoreConfig struct {
	Driver     string // memory | redis | sqlite
	SQLitePath string
	Retention  time.Duration
}

type QueueConfig struct {
	Driver string // memory | redis | asynq
	Prefix string
}

type ProgressConfig struct {
	Driver        string // local | nats
	NATSURL       string
	SubjectPrefix string
	Buffer        int
}

type ProjectsConfig struct {
	Driver string // memory | redis
}

type RenderConfig struct {
	Concurrency          int
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	LeaseTTL             time.Duration
	HeartbeatInterval    time.Duration
	PollInterval         time.Duration
	MaxTimelineSeconds   int
	SupportedMediaCodecs []string
	SignedURLTTL         time.Duration
}

type TTSConfig struct {
	ServiceURL    string
	APIKey        string
	RatePerSecond float64
	Timeout       int // seconds
}

type RendererConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

func Load() (*Config, error) {
	// Local .env for development; real environment wins.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")
	readSecret("TTS_API_KEY")
	readSecret("GATEWAY_SHARED_SECRET")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_format", "LOG_FORMAT")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("server.role", "SERVER_ROLE")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("zitadel.required_role", "ZITADEL_REQUIRED_ROLE")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("gateway.shared_secret", "GATEWAY_SHARED_SECRET")
	_ = viper.BindEnv("store.driver", "STORE_DRIVER")
	_ = viper.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = viper.BindEnv("store.retention", "STORE_RETENTION")
	_ = viper.BindEnv("queue.driver", "QUEUE_DRIVER")
	_ = viper.BindEnv("queue.prefix", "QUEUE_PREFIX")
	_ = viper.BindEnv("progress.driver", "PROGRESS_DRIVER")
	_ = viper.BindEnv("progress.nats_url", "NATS_URL")
	_ = viper.BindEnv("progress.subject_prefix", "PROGRESS_SUBJECT_PREFIX")
	_ = viper.BindEnv("progress.buffer", "PROGRESS_BUFFER")
	_ = viper.BindEnv("projects.driver", "PROJECTS_DRIVER")
	_ = viper.BindEnv("render.concurrency", "RENDER_CONCURRENCY")
	_ = viper.BindEnv("render.max_attempts", "RENDER_MAX_ATTEMPTS")
	_ = viper.BindEnv("render.backoff_base", "RENDER_BACKOFF_BASE")
	_ = viper.BindEnv("render.backoff_max", "RENDER_BACKOFF_MAX")
	_ = viper.BindEnv("render.lease_ttl", "RENDER_LEASE_TTL")
	_ = viper.BindEnv("render.heartbeat_interval", "RENDER_HEARTBEAT_INTERVAL")
	_ = viper.BindEnv("render.poll_interval", "RENDER_POLL_INTERVAL")
	_ = viper.BindEnv("render.max_timeline_seconds", "RENDER_MAX_TIMELINE_SECONDS")
	_ = viper.BindEnv("render.supported_media_codecs", "RENDER_SUPPORTED_MEDIA_CODECS")
	_ = viper.BindEnv("render.signed_url_ttl", "RENDER_SIGNED_URL_TTL")
	_ = viper.BindEnv("tts.service_url", "TTS_SERVICE_URL")
	_ = viper.BindEnv("tts.api_key", "TTS_API_KEY")
	_ = viper.BindEnv("tts.rate_per_second", "TTS_RATE_PER_SECOND")
	_ = viper.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = viper.BindEnv("renderer.service_url", "RENDERER_SERVICE_URL")
	_ = viper.BindEnv("renderer.timeout", "RENDERER_TIMEOUT")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.log_format", "json")
	viper.SetDefault("server.role", RoleAll)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.submit_per_hour", 20)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Pipeline infrastructure defaults
	viper.SetDefault("store.driver", "redis")
	viper.SetDefault("store.sqlite_path", "data/render-jobs.db")
	viper.SetDefault("store.retention", "168h")
	viper.SetDefault("queue.driver", "redis")
	viper.SetDefault("queue.prefix", "render:queue")
	viper.SetDefault("progress.driver", "local")
	viper.SetDefault("progress.nats_url", "nats://localhost:4222")
	viper.SetDefault("progress.subject_prefix", "render.progress")
	viper.SetDefault("progress.buffer", 32)
	viper.SetDefault("projects.driver", "redis")

	// Render defaults
	viper.SetDefault("render.concurrency", 4)
	viper.SetDefault("render.max_attempts", 3)
	viper.SetDefault("render.backoff_base", "2s")
	viper.SetDefault("render.backoff_max", "1m")
	viper.SetDefault("render.lease_ttl", "2m")
	viper.SetDefault("render.heartbeat_interval", "20s")
	viper.SetDefault("render.poll_interval", "1s")
	viper.SetDefault("render.max_timeline_seconds", 3600)
	viper.SetDefault("render.supported_media_codecs", "h264,h265,vp8,vp9,av1")
	viper.SetDefault("render.signed_url_ttl", "0s")

	// Collaborator defaults
	viper.SetDefault("tts.rate_per_second", 5)
	viper.SetDefault("tts.timeout", 60)
	viper.SetDefault("renderer.timeout", 1800)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			LogFormat: viper.GetString("server.log_format"),
			ApiDomain: viper.GetString("server.api_domain"),
			Role:      strings.ToLower(viper.GetString("server.role")),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:       viper.GetString("zitadel.domain"),
			ClientID:     viper.GetString("zitadel.client_id"),
			Issuer:       viper.GetString("zitadel.issuer"),
			RequiredRole: viper.GetString("zitadel.required_role"),
		},
		Gateway: GatewayConfig{
			Enabled:      viper.GetBool("gateway.enabled"),
			SharedSecret: viper.GetString("gateway.shared_secret"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(viper.GetString("store.driver")),
			SQLitePath: viper.GetString("store.sqlite_path"),
			Retention:  viper.GetDuration("store.retention"),
		},
		Queue: QueueConfig{
			Driver: strings.ToLower(viper.GetString("queue.driver")),
			Prefix: viper.GetString("queue.prefix"),
		},
		Progress: ProgressConfig{
			Driver:        strings.ToLower(viper.GetString("progress.driver")),
			NATSURL:       viper.GetString("progress.nats_url"),
			SubjectPrefix: viper.GetString("progress.subject_prefix"),
			Buffer:        viper.GetInt("progress.buffer"),
		},
		Projects: ProjectsConfig{
			Driver: strings.ToLower(viper.GetString("projects.driver")),
		},
		Render: RenderConfig{
			Concurrency:          viper.GetInt("render.concurrency"),
			MaxAttempts:          viper.GetInt("render.max_attempts"),
			BackoffBase:          viper.GetDuration("render.backoff_base"),
			BackoffMax:           viper.GetDuration("render.backoff_max"),
			LeaseTTL:             viper.GetDuration("render.lease_ttl"),
			HeartbeatInterval:    viper.GetDuration("render.heartbeat_interval"),
			PollInterval:         viper.GetDuration("render.poll_interval"),
			MaxTimelineSeconds:   viper.GetInt("render.max_timeline_seconds"),
			SupportedMediaCodecs: splitList(viper.GetString("render.supported_media_codecs")),
			SignedURLTTL:         viper.GetDuration("render.signed_url_ttl"),
		},
		TTS: TTSConfig{
			ServiceURL:    viper.GetString("tts.service_url"),
			APIKey:        viper.GetString("tts.api_key"),
			RatePerSecond: viper.GetFloat64("tts.rate_per_second"),
			Timeout:       viper.GetInt("tts.timeout"),
		},
		Renderer: RendererConfig{
			ServiceURL: viper.GetString("renderer.service_url"),
			Timeout:    viper.GetInt("renderer.timeout"),
		},
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
