package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ClientConfig configures the CLI client. Protocol timings are not
// configured here: they are fetched from the server.
type ClientConfig struct {
	ServerURL   string
	SessionFile string
	LogLevel    string
	// InsecureTLS accepts any server certificate, for servers started with
	// --self-signed.
	InsecureTLS bool
}

func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerURL:   getEnv("DUOCALL_SERVER", "http://localhost:8080"),
		SessionFile: getEnv("DUOCALL_SESSION_FILE", defaultSessionFile()),
		LogLevel:    getEnv("LOG_LEVEL", "error"),
		InsecureTLS: getEnvBool("DUOCALL_INSECURE_TLS", false),
	}
}

// defaultSessionFile is scoped to the parent shell so one terminal session
// keeps one identity.
func defaultSessionFile() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("duocall-session-%d.json", os.Getppid()))
}
