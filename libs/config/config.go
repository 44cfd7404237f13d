package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// String returns the trimmed value of key, or fallback when it is unset or blank.
func String(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// ValidPort reports whether v is a usable TCP port number.
func ValidPort(v string) bool {
	p, err := strconv.Atoi(v)
	return err == nil && p >= 1 && p <= 65535
}

// Process fills target from the environment using its envconfig struct tags.
func Process(prefix string, target any) error {
	if err := envconfig.Process(prefix, target); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process environment.
// Variables already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}
