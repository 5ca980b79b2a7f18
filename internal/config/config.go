// Package config holds the explicit run configuration passed to the pipeline.
//
// Values come from an optional config file and RAWSTAGE_* environment
// variables (store.dsn -> RAWSTAGE_STORE_DSN) through viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "RAWSTAGE"

type Store struct {
	Kind     string `mapstructure:"kind"`
	DSN      string `mapstructure:"dsn"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Source is one extract to land. Relative files resolve against DataDir.
type Source struct {
	Entity string `mapstructure:"entity"`
	File   string `mapstructure:"file"`
}

type Metrics struct {
	// Backend is "none", "datadog" or "prompush".
	Backend        string        `mapstructure:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Tags           []string      `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

type Config struct {
	Job           string   `mapstructure:"job"`
	Store         Store    `mapstructure:"store"`
	DataDir       string   `mapstructure:"data_dir"`
	Sources       []Source `mapstructure:"sources"`
	LandingPrefix string   `mapstructure:"landing_prefix"`
	StagingPrefix string   `mapstructure:"staging_prefix"`

	// BatchSize caps rows per statement; 0 leaves it to the backend.
	BatchSize int     `mapstructure:"batch_size"`
	Metrics   Metrics `mapstructure:"metrics"`
}

// DefaultEntities are landed when no sources are configured, in this order.
var DefaultEntities = []string{
	"customers", "branches", "accounts", "merchants", "devices",
	"geos", "transactions", "logins", "sanctions",
}

// DefaultSources maps every default entity to <entity>_raw.csv.
func DefaultSources() []Source {
	out := make([]Source, len(DefaultEntities))
	for i, e := range DefaultEntities {
		out[i] = Source{Entity: e, File: e + "_raw.csv"}
	}
	return out
}

func defaultSourceMaps() []map[string]any {
	srcs := DefaultSources()
	out := make([]map[string]any, len(srcs))
	for i, s := range srcs {
		out[i] = map[string]any{"entity": s.Entity, "file": s.File}
	}
	return out
}

// SetDefaults registers the default value of every key. Keys need a default
// for AutomaticEnv to see them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("job", "rawstage")
	v.SetDefault("store.kind", "sqlite")
	v.SetDefault("store.dsn", "rawstage.db")
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("data_dir", ".")
	v.SetDefault("sources", defaultSourceMaps())
	v.SetDefault("landing_prefix", "raw_")
	v.SetDefault("staging_prefix", "stg_")
	v.SetDefault("batch_size", 0)
	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.tags", []string{})
	v.SetDefault("metrics.flush_every", 60*time.Second)
}

// Load applies defaults and environment binding to v and decodes it. The
// caller reads any config file into v beforehand.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToSourcesHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
	dsn, err := expandDSN(cfg.Store)
	if err != nil {
		return Config{}, err
	}
	cfg.Store.DSN = dsn
	return cfg, nil
}

var sourcesType = reflect.TypeOf([]Source{})

// stringToSourcesHook accepts "customers=customers.csv,geos=geos.tsv" so
// sources can be set from a single environment variable.
var stringToSourcesHook mapstructure.DecodeHookFuncType = func(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != sourcesType {
		return data, nil
	}
	return ParseSources(reflect.ValueOf(data).String())
}

// ParseSources parses comma-separated entity=file pairs.
func ParseSources(s string) ([]Source, error) {
	var out []Source
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entity, file, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("source %q: want entity=file", part)
		}
		out = append(out, Source{Entity: strings.TrimSpace(entity), File: strings.TrimSpace(file)})
	}
	return out, nil
}

// expandDSN expands ${VAR} references and injects User/Password into
// URL-form DSNs that carry no credentials of their own.
func expandDSN(s Store) (string, error) {
	dsn := os.ExpandEnv(s.DSN)
	if s.User == "" || !strings.Contains(dsn, "://") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse store.dsn: %w", err)
	}
	if u.User != nil {
		return dsn, nil
	}
	if s.Password != "" {
		u.User = url.UserPassword(s.User, s.Password)
	} else {
		u.User = url.User(s.User)
	}
	return u.String(), nil
}

// SourcePath resolves a source file against DataDir.
func (c Config) SourcePath(s Source) string {
	if filepath.IsAbs(s.File) || c.DataDir == "" {
		return s.File
	}
	return filepath.Join(c.DataDir, s.File)
}
