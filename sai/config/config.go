// Package config loads the JSON config file shared by all three daemons
// (server, builder, power): <config-dir>/conf.
package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.skia.org/sai/go/skerr"
)

// PlatformConfig is one entry of the "platforms" array: the platform name,
// how many parallel instances of it this builder offers, and (server-side
// config only) which upstream servers serve it.
type PlatformConfig struct {
	Name      string   `mapstructure:"name" json:"name"`
	Instances int      `mapstructure:"instances" json:"instances"`
	Servers   []string `mapstructure:"servers" json:"servers"`
}

// Config is the parsed contents of <config-dir>/conf.
type Config struct {
	Home      string           `mapstructure:"home" json:"home"`
	Perms     string           `mapstructure:"perms" json:"perms"`
	Host      string           `mapstructure:"host" json:"host"`
	Platforms []PlatformConfig `mapstructure:"platforms" json:"platforms"`

	// Resources is "name=budget,name=budget"; use ParseResources to get a
	// structured map.
	Resources string `mapstructure:"resources" json:"resources"`

	NotificationKey string `mapstructure:"notification-key" json:"notification-key"`
	Database        string `mapstructure:"database" json:"database"`

	JWTIss        string `mapstructure:"jwt-iss" json:"jwt-iss"`
	JWTAud        string `mapstructure:"jwt-aud" json:"jwt-aud"`
	JWTAuthAlg    string `mapstructure:"jwt-auth-alg" json:"jwt-auth-alg"`
	JWTAuthJWKPath string `mapstructure:"jwt-auth-jwk-path" json:"jwt-auth-jwk-path"`

	TaskAbandonedTimeoutMins int `mapstructure:"task-abandoned-timeout-mins" json:"task-abandoned-timeout-mins"`
}

// Load reads <configDir>/conf as JSON into a Config.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("conf")
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("sai")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, skerr.Wrapf(err, "reading config from %s", configDir)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, skerr.Wrapf(err, "unmarshalling config from %s", configDir)
	}
	return cfg, nil
}

// ParseResources turns "name=budget,name=budget" into a name->budget map.
func ParseResources(s string) (map[string]int, error) {
	out := map[string]int{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, skerr.Fmt("config: malformed resource entry %q", pair)
		}
		budget, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, skerr.Wrapf(err, "parsing budget for resource %q", parts[0])
		}
		out[strings.TrimSpace(parts[0])] = budget
	}
	return out, nil
}
