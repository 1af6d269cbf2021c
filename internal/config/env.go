package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	switch commitment := rpc.CommitmentType(strings.ToLower(raw)); commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return commitment, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v, err := envNonNegativeInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envNonNegativeInt(key string, fallback int) (int, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return v, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := valueForKey(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := valueForKey(key); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

// ensureRuntimeConfigLoaded reads CONFIG_FILE, or config/config-<CONFIG_PHASE>.yaml
// when it exists, and flattens it into environment-style keys. Environment
// variables always win over file values.
func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		values, err := readConfigFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = err
			return
		}

		runtimeConfigValues = values
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func readConfigFile(path string) (map[string]string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	out := make(map[string]string)
	if err := flattenConfigValue("", raw, out); err != nil {
		return nil, fmt.Errorf("flatten config file %q: %w", path, err)
	}
	return out, nil
}

// flattenConfigValue maps nested YAML onto keys such as RECORDER_RETRY_BASE.
// Lists become comma separated values.
func flattenConfigValue(prefix string, value any, out map[string]string) error {
	join := func(key string) string {
		segment := normalizeKeySegment(key)
		if segment == "" || prefix == "" {
			return segment
		}
		return prefix + "_" + segment
	}

	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if next := join(key); next != "" {
				if err := flattenConfigValue(next, child, out); err != nil {
					return err
				}
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) != "" {
					parts = append(parts, strings.TrimSpace(scalar))
				}
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		if prefix == "" {
			return fmt.Errorf("unsupported top-level value %T", value)
		}
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false
	for _, r := range strings.TrimSpace(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}
	return strings.TrimSpace(runtimeConfigValues[key])
}
