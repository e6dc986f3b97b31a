package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var defaultSTUNURLs = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	HTTPOnly  bool

	STUNPort  int
	STUNRealm string
	// STUNURLs are public STUN servers advertised next to the embedded one.
	STUNURLs []string

	JWTSecret  string
	SessionTTL time.Duration

	// StoreDriver is one of memory, sqlite, postgres, redis.
	StoreDriver string
	StoreDSN    string
	RedisAddr   string

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	LogLevel string
}

// fileConfig is the shape of config.json. Secrets never live there.
type fileConfig struct {
	HTTPPort          string   `json:"http_port"`
	HTTPSPort         string   `json:"https_port"`
	Domain            string   `json:"domain"`
	STUNPort          int      `json:"stun_port"`
	STUNRealm         string   `json:"stun_realm"`
	STUNURLs          []string `json:"stun_urls"`
	StoreDriver       string   `json:"store_driver"`
	StoreDSN          string   `json:"store_dsn"`
	RedisAddr         string   `json:"redis_addr"`
	HeartbeatInterval string   `json:"heartbeat_interval"`
	StaleAfter        string   `json:"stale_after"`
	LogLevel          string   `json:"log_level"`
}

// Load reads .env and the environment, then overlays config.json (if
// present) and finally command-line flags.
func Load(httpOnly *bool) *Config {
	if err := godotenv.Load(); err == nil {
		fmt.Println("NOTE: environment loaded from .env")
	}

	cfg := fromEnv()

	if fc, err := loadFile(getConfigFilePath()); err == nil {
		fmt.Println("NOTE: Custom configuration loaded from config.json")
		fc.apply(cfg)
	}

	if httpOnly != nil {
		cfg.HTTPOnly = *httpOnly
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	if cfg.Domain == "" {
		cfg.Domain = loadDomain()
	}
	return cfg
}

func fromEnv() *Config {
	return &Config{
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		HTTPSPort:         getEnv("HTTPS_PORT", "8443"),
		Domain:            os.Getenv("DOMAIN"),
		STUNPort:          getEnvInt("STUN_PORT", 3478),
		STUNRealm:         getEnv("STUN_REALM", "duocall"),
		STUNURLs:          getEnvList("STUN_URLS", defaultSTUNURLs),
		SessionTTL:        getEnvDuration("SESSION_TTL", 0),
		StoreDriver:       getEnv("STORE_DRIVER", "memory"),
		StoreDSN:          getEnv("STORE_DSN", "duocall.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		StaleAfter:        getEnvDuration("STALE_AFTER", 45*time.Second),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.HTTPSPort != "" {
		cfg.HTTPSPort = fc.HTTPSPort
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.STUNPort != 0 {
		cfg.STUNPort = fc.STUNPort
	}
	if fc.STUNRealm != "" {
		cfg.STUNRealm = fc.STUNRealm
	}
	if len(fc.STUNURLs) > 0 {
		cfg.STUNURLs = fc.STUNURLs
	}
	if fc.StoreDriver != "" {
		cfg.StoreDriver = fc.StoreDriver
	}
	if fc.StoreDSN != "" {
		cfg.StoreDSN = fc.StoreDSN
	}
	if fc.RedisAddr != "" {
		cfg.RedisAddr = fc.RedisAddr
	}
	if d, err := time.ParseDuration(fc.HeartbeatInterval); err == nil && d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d, err := time.ParseDuration(fc.StaleAfter); err == nil && d > 0 {
		cfg.StaleAfter = d
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
}

func getConfigFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	execDir := filepath.Dir(execPath)
	return filepath.Join(execDir, "config.json")
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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable. An explicitly empty
// value (e.g. STUN_URLS=",") yields no entries.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := getDirNextToExecutable("keys")
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			fmt.Printf("JWT secret loaded from: %s\n", secretFile)
			return secret
		}
	}

	secret := generateRandomSecret()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err == nil {
			fmt.Printf("JWT secret saved to: %s\n", secretFile)
		} else {
			fmt.Printf("Warning: Failed to save JWT secret to disk: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET environment variable")
		}
	}

	return secret
}

// loadDomain falls back to certs/domain.txt, then localhost.
func loadDomain() string {
	domainFile := filepath.Join(getDirNextToExecutable("certs"), "domain.txt")
	if domainData, err := os.ReadFile(domainFile); err == nil {
		if domain := strings.TrimSpace(string(domainData)); domain != "" {
			return domain
		}
	}
	return "localhost"
}

func getDirNextToExecutable(name string) string {
	execPath, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(execPath), name)
}
