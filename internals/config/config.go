package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      RoomConfig      `yaml:"room"`
	Redis     RedisConfig     `yaml:"redis"`
	Signaling SignalingConfig `yaml:"signaling"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Media     MediaConfig     `yaml:"media"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type RoomConfig struct {
	DefaultExpiryMinutes int           `yaml:"default_expiry_minutes"`
	MaxExpiryMinutes     int           `yaml:"max_expiry_minutes"`
	MaxRoomIDLength      int           `yaml:"max_room_id_length"`
	MaxTokenLength       int           `yaml:"max_token_length"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	StoreTimeout         time.Duration `yaml:"store_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SignalingConfig struct {
	ReadLimit       int64         `yaml:"read_limit"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

type WebRTCConfig struct {
	ICEServers        []ICEServer `yaml:"ice_servers"`
	CandidatePoolSize int         `yaml:"candidate_pool_size"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// MediaConfig describes where the headless endpoint reads its local
// media from. Each device is an RTP stream pushed to a local UDP port,
// e.g. by ffmpeg or gstreamer.
type MediaConfig struct {
	MicAddr     string        `yaml:"mic_addr"`
	CameraAddr  string        `yaml:"camera_addr"`
	ScreenAddr  string        `yaml:"screen_addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("WPCALL_HOST", "0.0.0.0"),
			Port:            getEnvInt("WPCALL_PORT", 8080),
			ReadTimeout:     time.Duration(getEnvInt("WPCALL_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("WPCALL_WRITE_TIMEOUT", 30)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("WPCALL_SHUTDOWN_TIMEOUT", 10)) * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Room: RoomConfig{
			DefaultExpiryMinutes: getEnvInt("WPCALL_DEFAULT_EXPIRY_MIN", 15),
			MaxExpiryMinutes:     getEnvInt("WPCALL_MAX_EXPIRY_MIN", 24*60),
			MaxRoomIDLength:      getEnvInt("WPCALL_MAX_ROOM_ID_LENGTH", 128),
			MaxTokenLength:       getEnvInt("WPCALL_MAX_TOKEN_LENGTH", 128),
			SweepInterval:        time.Duration(getEnvInt("WPCALL_ROOM_SWEEP_INTERVAL_SEC", 60)) * time.Second,
			StoreTimeout:         time.Duration(getEnvInt("WPCALL_STORE_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Signaling: SignalingConfig{
			ReadLimit:       int64(getEnvInt("WPCALL_WS_READ_LIMIT", 524288)),
			SendBuffer:      getEnvInt("WPCALL_WS_SEND_BUFFER", 64),
			WriteTimeout:    time.Duration(getEnvInt("WPCALL_WS_WRITE_TIMEOUT", 10)) * time.Second,
			PongTimeout:     time.Duration(getEnvInt("WPCALL_WS_PONG_TIMEOUT", 60)) * time.Second,
			PingInterval:    time.Duration(getEnvInt("WPCALL_WS_PING_INTERVAL", 54)) * time.Second,
			RateLimitPerSec: float64(getEnvInt("WPCALL_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("WPCALL_RATE_LIMIT_BURST", 40),
		},
		WebRTC: WebRTCConfig{
			ICEServers:        defaultICEServers(),
			CandidatePoolSize: getEnvInt("WPCALL_ICE_CANDIDATE_POOL", 10),
		},
		Media: MediaConfig{
			MicAddr:     getEnv("WPCALL_MIC_ADDR", "127.0.0.1:5004"),
			CameraAddr:  getEnv("WPCALL_CAMERA_ADDR", "127.0.0.1:5006"),
			ScreenAddr:  getEnv("WPCALL_SCREEN_ADDR", "127.0.0.1:5008"),
			ReadTimeout: time.Duration(getEnvInt("WPCALL_MEDIA_READ_TIMEOUT", 5)) * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func defaultICEServers() []ICEServer {
	servers := []ICEServer{
		{URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}},
	}

	turnURLs := getEnv("WPCALL_TURN_URLS", "")
	if turnURLs != "" {
		servers = append(servers, ICEServer{
			URLs:       strings.Split(turnURLs, ","),
			Username:   getEnv("WPCALL_TURN_USERNAME", ""),
			Credential: getEnv("WPCALL_TURN_CREDENTIAL", ""),
		})
	}

	return servers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
