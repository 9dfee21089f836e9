package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if value == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
		})
	}
	return result
}

// SetKey writes a config key to the platform backend. Secrets go to the
// platform keychain instead.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), NewKeychain(), key, value)
}

func setKey(b ConfigBackend, kc Keychain, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		v, err := parseValue(s.typ, value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.secret {
			return kc.Set(secretService, s.account, value)
		}
		if s.typ == kInt {
			return b.SetInt(key, v.(int))
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the local API. It comes from
// PROSPECTOR_API_TOKEN, then the keychain; when neither has one a random
// token is generated and stored.
func GetAPIToken(kc Keychain) (string, error) {
	if t := os.Getenv("PROSPECTOR_API_TOKEN"); t != "" {
		return t, nil
	}
	if t, err := kc.Get(secretService, apiTokenAccount); err == nil && t != "" {
		return t, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := kc.Set(secretService, apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return token, nil
}
