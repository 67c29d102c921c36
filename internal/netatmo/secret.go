package netatmo

import (
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	EnvClientID     = "ATMOBOT_NETATMO_CLIENT_ID"
	EnvClientSecret = "ATMOBOT_NETATMO_CLIENT_SECRET"
	EnvUsername     = "ATMOBOT_NETATMO_USERNAME"
	EnvPassword     = "ATMOBOT_NETATMO_PASSWORD"
)

// Secret holds the app credentials. Username and password are only needed
// for the initial authorization.
type Secret struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// LoadSecret reads the YAML secret file. Environment variables override
// file values; path may be empty when everything comes from the environment.
func LoadSecret(path string) (Secret, error) {
	var s Secret
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Secret{}, fmt.Errorf("secret file: %w", err)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Secret{}, fmt.Errorf("secret file %s: %w", path, err)
		}
	}
	override(&s.ClientID, EnvClientID)
	override(&s.ClientSecret, EnvClientSecret)
	override(&s.Username, EnvUsername)
	override(&s.Password, EnvPassword)

	if s.ClientID == "" || s.ClientSecret == "" {
		return Secret{}, fmt.Errorf("secret file %q: client_id and client_secret are required", path)
	}
	return s, nil
}

// HasLogin reports whether the password grant can be used.
func (s Secret) HasLogin() bool {
	return s.Username != "" && s.Password != ""
}

func override(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}
