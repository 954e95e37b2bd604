package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv loads environment variables from the first .env file found.
// An explicit path must exist; otherwise the working directory, its parents and the
// executable's directory are searched. It returns the file that was loaded, if any.
func LoadDotEnv(explicit string) (string, error) {
	if explicit != "" {
		if err := loadEnvFile(explicit); err != nil {
			return "", fmt.Errorf("failed to load %s: %w", explicit, err)
		}
		return explicit, nil
	}

	envFiles := []string{
		".env",
		"../.env",
		"../../.env",
	}
	if exe, err := os.Executable(); err == nil {
		envFiles = append(envFiles, filepath.Join(filepath.Dir(exe), ".env"))
	}

	for _, envFile := range envFiles {
		err := loadEnvFile(envFile)
		if err == nil {
			return envFile, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	// No .env file is fine, system env vars are used as is
	return "", nil
}

// loadEnvFile loads environment variables from a specific file
func loadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		// System env vars take precedence
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	return scanner.Err()
}

// parseEnvLine parses KEY=value, tolerating export prefixes, comments and quotes
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return "", "", false
	}

	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
