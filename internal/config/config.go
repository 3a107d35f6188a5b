// Package config loads the engine configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/classbook/internal/crypto"
)

const (
	DefaultLongCycle  = 600 * time.Second
	DefaultSmallCycle = 15 * time.Second
	DefaultRPS        = 2.0
)

type Config struct {
	FacilityBaseURL  string
	FacilityID       string
	FacilityUsername string
	FacilityPassword string

	AutoBook       bool
	AutoBookFilter []string

	LongCycle  time.Duration
	SmallCycle time.Duration
	// FacilityRPS caps outbound requests per second to the facility API.
	FacilityRPS float64
	Timezone    string

	// attempt log; empty disables it
	DatabaseURL string

	// status server; empty ListenAddr disables it
	ListenAddr           string
	StatusUsername       string
	StatusPasswordBcrypt string
	CookieHashKey        []byte
	CookieBlockKey       []byte

	LogLevel string
	// LogFormat is "json" (default) or "console".
	LogFormat string
}

// fileConfig is the YAML layout. Secrets other than the sealed facility
// password are only read from the environment.
type fileConfig struct {
	Facility struct {
		BaseURL     string  `yaml:"base_url"`
		ID          string  `yaml:"id"`
		Username    string  `yaml:"username"`
		Password    string  `yaml:"password"`
		PasswordEnc string  `yaml:"password_enc"`
		RPS         float64 `yaml:"rps"`
	} `yaml:"facility"`
	AutoBook          *bool    `yaml:"auto_book"`
	AutoBookFilter    []string `yaml:"auto_book_filter"`
	LongCycleSeconds  int      `yaml:"long_cycle_seconds"`
	SmallCycleSeconds int      `yaml:"small_cycle_seconds"`
	Timezone          string   `yaml:"timezone"`
	DatabaseURL       string   `yaml:"database_url"`
	ListenAddr        string   `yaml:"listen_addr"`
	Status            struct {
		Username       string `yaml:"username"`
		PasswordBcrypt string `yaml:"password_bcrypt"`
	} `yaml:"status"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// FromEnv loads the file named by CLASSBOOK_CONFIG, if any, then applies the
// environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv("CLASSBOOK_CONFIG"))
}

// Load reads path (optional) and the environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		AutoBook:    true,
		LongCycle:   DefaultLongCycle,
		SmallCycle:  DefaultSmallCycle,
		FacilityRPS: DefaultRPS,
		Timezone:    "Local",
		LogFormat:   "json",
	}
	var sealed string

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		sealed = fc.apply(&cfg)
	}

	if err := applyEnv(&cfg, &sealed); err != nil {
		return Config{}, err
	}

	if sealed != "" && cfg.FacilityPassword == "" {
		pw, err := unseal(sealed)
		if err != nil {
			return Config{}, err
		}
		cfg.FacilityPassword = pw
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

// apply copies the set fields of fc onto cfg and returns the sealed password.
func (fc fileConfig) apply(cfg *Config) string {
	setString(&cfg.FacilityBaseURL, fc.Facility.BaseURL)
	setString(&cfg.FacilityID, fc.Facility.ID)
	setString(&cfg.FacilityUsername, fc.Facility.Username)
	setString(&cfg.FacilityPassword, fc.Facility.Password)
	if fc.Facility.RPS > 0 {
		cfg.FacilityRPS = fc.Facility.RPS
	}
	if fc.AutoBook != nil {
		cfg.AutoBook = *fc.AutoBook
	}
	if f := cleanList(fc.AutoBookFilter); len(f) > 0 {
		cfg.AutoBookFilter = f
	}
	if fc.LongCycleSeconds > 0 {
		cfg.LongCycle = time.Duration(fc.LongCycleSeconds) * time.Second
	}
	if fc.SmallCycleSeconds > 0 {
		cfg.SmallCycle = time.Duration(fc.SmallCycleSeconds) * time.Second
	}
	setString(&cfg.Timezone, fc.Timezone)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.StatusUsername, fc.Status.Username)
	setString(&cfg.StatusPasswordBcrypt, fc.Status.PasswordBcrypt)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	return strings.TrimSpace(fc.Facility.PasswordEnc)
}

func applyEnv(cfg *Config, sealed *string) error {
	setString(&cfg.FacilityBaseURL, getenv("FACILITY_BASE_URL", ""))
	setString(&cfg.FacilityID, getenv("FACILITY_ID", ""))
	setString(&cfg.FacilityUsername, getenv("FACILITY_USERNAME", ""))
	setString(&cfg.FacilityPassword, os.Getenv("FACILITY_PASSWORD"))
	setString(sealed, getenv("FACILITY_PASSWORD_ENC", ""))

	if v := getenv("AUTO_BOOK", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTO_BOOK %q", v)
		}
		cfg.AutoBook = b
	}
	if v := getenv("AUTO_BOOK_FILTER", ""); v != "" {
		cfg.AutoBookFilter = splitCSV(v)
	}

	for _, c := range []struct {
		key string
		dst *time.Duration
	}{
		{"LONG_CYCLE_SECONDS", &cfg.LongCycle},
		{"SMALL_CYCLE_SECONDS", &cfg.SmallCycle},
	} {
		v := getenv(c.key, "")
		if v == "" {
			continue
		}
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 1 {
			return fmt.Errorf("invalid %s", c.key)
		}
		*c.dst = time.Duration(sec) * time.Second
	}

	if v := getenv("FACILITY_RPS", ""); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps <= 0 {
			return fmt.Errorf("invalid FACILITY_RPS")
		}
		cfg.FacilityRPS = rps
	}

	setString(&cfg.Timezone, getenv("TIMEZONE", ""))
	setString(&cfg.DatabaseURL, getenv("DATABASE_URL", ""))
	setString(&cfg.ListenAddr, getenv("LISTEN_ADDR", ""))
	setString(&cfg.StatusUsername, getenv("STATUS_USERNAME", ""))
	setString(&cfg.StatusPasswordBcrypt, getenv("STATUS_PASSWORD_BCRYPT", ""))
	setString(&cfg.LogLevel, getenv("LOG_LEVEL", ""))
	setString(&cfg.LogFormat, getenv("LOG_FORMAT", ""))

	var err error
	if v := getenv("COOKIE_HASH_KEY", ""); v != "" {
		if cfg.CookieHashKey, err = decodeB64(v); err != nil {
			return fmt.Errorf("COOKIE_HASH_KEY: %w", err)
		}
	}
	if v := getenv("COOKIE_BLOCK_KEY", ""); v != "" {
		if cfg.CookieBlockKey, err = decodeB64(v); err != nil {
			return fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
		}
	}
	return nil
}

// ErrNoCredentialKey is returned by CredentialKey when CRED_ENC_KEY is unset.
var ErrNoCredentialKey = errors.New("CRED_ENC_KEY is not set")

// CredentialKey returns the AEAD for CRED_ENC_KEY, decoded the same way as
// every other key.
func CredentialKey() (*crypto.AEAD, error) {
	v := getenv("CRED_ENC_KEY", "")
	if v == "" {
		return nil, ErrNoCredentialKey
	}
	key, err := decodeB64(v)
	if err != nil {
		return nil, fmt.Errorf("CRED_ENC_KEY: %w", err)
	}
	a, err := crypto.New(key)
	if err != nil {
		return nil, fmt.Errorf("CRED_ENC_KEY: %w", err)
	}
	return a, nil
}

// unseal decrypts the facility password with CRED_ENC_KEY.
func unseal(sealed string) (string, error) {
	a, err := CredentialKey()
	if errors.Is(err, ErrNoCredentialKey) {
		return "", errors.New("FACILITY_PASSWORD_ENC is set but CRED_ENC_KEY is not")
	}
	if err != nil {
		return "", err
	}
	pw, err := a.DecryptString(sealed)
	if err != nil {
		return "", fmt.Errorf("FACILITY_PASSWORD_ENC: %w", err)
	}
	return pw, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.FacilityBaseURL == "" {
		errs = append(errs, errors.New("FACILITY_BASE_URL is required"))
	} else if u, err := url.Parse(c.FacilityBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("FACILITY_BASE_URL %q is not an http(s) URL", c.FacilityBaseURL))
	}
	if c.FacilityID == "" {
		errs = append(errs, errors.New("FACILITY_ID is required"))
	}
	if c.FacilityUsername == "" || c.FacilityPassword == "" {
		errs = append(errs, errors.New("FACILITY_USERNAME and FACILITY_PASSWORD (or FACILITY_PASSWORD_ENC) are required"))
	}
	if c.SmallCycle <= 0 || c.LongCycle < c.SmallCycle {
		errs = append(errs, fmt.Errorf("cycles must satisfy 0 < small (%s) <= long (%s)", c.SmallCycle, c.LongCycle))
	}
	if c.FacilityRPS <= 0 {
		errs = append(errs, errors.New("FACILITY_RPS must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}
	if c.ListenAddr != "" {
		if c.StatusUsername == "" || c.StatusPasswordBcrypt == "" {
			errs = append(errs, errors.New("LISTEN_ADDR needs STATUS_USERNAME and STATUS_PASSWORD_BCRYPT"))
		}
		if n := len(c.CookieHashKey); n != 32 && n != 64 {
			errs = append(errs, fmt.Errorf("COOKIE_HASH_KEY must decode to 32 or 64 bytes (got %d)", n))
		}
		if n := len(c.CookieBlockKey); n != 16 && n != 24 && n != 32 {
			errs = append(errs, fmt.Errorf("COOKIE_BLOCK_KEY must decode to 16, 24 or 32 bytes (got %d)", n))
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// decodeB64 accepts a base64 value or a path to a file holding one, for
// secret mounts.
func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func splitCSV(s string) []string {
	return cleanList(strings.Split(s, ","))
}

// cleanList trims each entry and drops the blank ones.
func cleanList(in []string) []string {
	var out []string
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
