// Package config provides functionality for managing configuration options
// for the client using command-line flags, a JSON file and environment
// variables.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

// Storage backends accepted by Options.Store.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Options holds the configuration values for the client.
type Options struct {
	// APIURL is the backend base URL.
	APIURL string `json:"api_url"`

	// Store selects the durable storage backend.
	Store string `json:"store"`
	// StorePath is the session file for the file backend.
	StorePath string `json:"store_path"`
	// StoreSecret encrypts the session file when set.
	StoreSecret string `json:"store_secret"`

	// DatabaseDSN holds the connection string for the postgres backend.
	DatabaseDSN string `json:"database_dsn"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`

	GoogleClientID    string `json:"google_client_id"`
	GoogleRedirectURL string `json:"google_redirect_url"`
	// CallbackAddr is where the Google sign-in callback server listens.
	CallbackAddr string `json:"callback_addr"`

	// CAFile adds a private CA to the trusted roots for backend calls.
	CAFile string `json:"ca_file"`

	RequestTimeout time.Duration `json:"-"`
	SweepInterval  time.Duration `json:"-"`

	LogLevel string `json:"log_level"`

	// Config is the path to the Config file.
	Config string `json:"-"`

	ShowVersion bool `json:"-"`
}

// options holds the current configuration values.
var options = &Options{}

// init initializes command-line flags and sets default values.
func init() {
	flag.StringVar(&options.APIURL, "u", "https://biosign-app.com/backend/mobile_app", "backend base URL")
	flag.StringVar(&options.Store, "s", StoreFile, "storage backend: memory | file | postgres | redis")
	flag.StringVar(&options.StorePath, "p", "", "session file path (file backend)")
	flag.StringVar(&options.StoreSecret, "secret", "", "passphrase encrypting the session file")
	flag.StringVar(&options.DatabaseDSN, "d", "", "db address (postgres backend)")
	flag.StringVar(&options.RedisAddr, "r", "localhost:6379", "redis address (redis backend)")
	flag.StringVar(&options.GoogleClientID, "google-client-id", "", "Google OAuth client ID")
	flag.StringVar(&options.GoogleRedirectURL, "google-redirect", "http://127.0.0.1:8765/google-login", "Google OAuth redirect URL")
	flag.StringVar(&options.CallbackAddr, "callback", "127.0.0.1:8765", "listen address of the sign-in callback")
	flag.StringVar(&options.CAFile, "ca", "", "path to an extra CA cert")
	flag.DurationVar(&options.RequestTimeout, "timeout", 10*time.Second, "backend request timeout")
	flag.DurationVar(&options.SweepInterval, "sweep", time.Minute, "interval of the expired record sweep")
	flag.StringVar(&options.LogLevel, "l", "warn", "log level")
	flag.StringVar(&options.Config, "config", "", "path to config file")
	flag.StringVar(&options.Config, "c", "", "path to config file (shorthand)")
	flag.BoolVar(&options.ShowVersion, "version", false, "show build version and date")
}

// Parse parses the command-line flags, the config file and environment
// variables, in increasing order of precedence. It returns a pointer to the
// Options struct containing the parsed configuration values.
func Parse() *Options {
	flag.Parse()

	if err := load(options, os.Getenv); err != nil {
		log.Fatalf("error while loading config: %v", err)
	}
	return options
}

func load(o *Options, getenv func(string) string) error {
	if configPath := getenv("CONFIG"); configPath != "" {
		o.Config = configPath
	}

	if o.Config != "" {
		data, err := os.ReadFile(o.Config)
		if err != nil {
			return fmt.Errorf("error while reading config file: %w", err)
		}
		if err := json.Unmarshal(data, o); err != nil {
			return fmt.Errorf("error while parsing config file: %w", err)
		}
	}

	for env, dst := range map[string]*string{
		"API_URL":             &o.APIURL,
		"STORE":               &o.Store,
		"STORE_PATH":          &o.StorePath,
		"STORE_SECRET":        &o.StoreSecret,
		"DATABASE_DSN":        &o.DatabaseDSN,
		"REDIS_ADDR":          &o.RedisAddr,
		"REDIS_PASSWORD":      &o.RedisPassword,
		"GOOGLE_CLIENT_ID":    &o.GoogleClientID,
		"GOOGLE_REDIRECT_URL": &o.GoogleRedirectURL,
		"CALLBACK_ADDR":       &o.CallbackAddr,
		"CA_FILE":             &o.CAFile,
		"LOG_LEVEL":           &o.LogLevel,
	} {
		if v := getenv(env); v != "" {
			*dst = v
		}
	}

	if v := getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		o.RequestTimeout = d
	}

	return o.validate()
}

func (o *Options) validate() error {
	switch o.Store {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if o.DatabaseDSN == "" {
			return fmt.Errorf("store %q needs a database DSN", o.Store)
		}
	case StoreRedis:
		if o.RedisAddr == "" {
			return fmt.Errorf("store %q needs a redis address", o.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", o.Store)
	}
	return nil
}
