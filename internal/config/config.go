package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrHelp is returned by Load when -h/--help was requested.
var ErrHelp = pflag.ErrHelp

// Config holds the application configuration loaded from flags, files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	Bind           string `mapstructure:"bind"`
	IPv6Subnet     string `mapstructure:"ipv6_subnet"`
	SystemRoute    bool   `mapstructure:"system_route"`
	RouteInterface string `mapstructure:"route_interface"`
	RouteGateway   string `mapstructure:"route_gateway"`

	ForwardsRaw  string   `mapstructure:"forwards"`
	AllowIPv4Raw string   `mapstructure:"allow_ipv4"`
	AllowIPv6Raw string   `mapstructure:"allow_ipv6"`
	AllowIPsRaw  string   `mapstructure:"allow_ips"`
	Forwards     []string `mapstructure:"-"`
	AllowIPv4    []string `mapstructure:"-"`
	AllowIPv6    []string `mapstructure:"-"`
	AllowIPs     []string `mapstructure:"-"`

	TransferTimeoutSeconds int64         `mapstructure:"transfer_timeout"`
	TransferTimeout        time.Duration `mapstructure:"-"`
	UserAgent              string        `mapstructure:"user_agent"`
	AcceptRate             float64       `mapstructure:"accept_rate"`
	AcceptBurst            int           `mapstructure:"accept_burst"`
	MaxResponseBytes       int64         `mapstructure:"max_response_bytes"`

	StorageType            string        `mapstructure:"storage_type"`
	BBoltPath              string        `mapstructure:"bbolt_path"`
	RedisAddr              string        `mapstructure:"redis_addr"`
	RedisPassword          string        `mapstructure:"redis_password"`
	RedisDB                int           `mapstructure:"redis_db"`
	AddressTTLSeconds      int64         `mapstructure:"address_ttl_seconds"`
	StorageCleanupSeconds  int64         `mapstructure:"storage_cleanup_interval_seconds"`
	AddressTTL             time.Duration `mapstructure:"-"`
	StorageCleanupInterval time.Duration `mapstructure:"-"`

	PublishersFile string `mapstructure:"publishers_file"`
}

// Load reads configuration from command line flags, environment variables and config files.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "http-proxy-ipv6-pool")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("bind", "0.0.0.0:51080")
	v.SetDefault("ipv6_subnet", "2001:19f0:6001:48e4::/64")
	v.SetDefault("system_route", false)
	v.SetDefault("route_interface", "eth0")
	v.SetDefault("route_gateway", "")
	v.SetDefault("forwards", "")
	v.SetDefault("allow_ipv4", "")
	v.SetDefault("allow_ipv6", "")
	v.SetDefault("allow_ips", "")
	v.SetDefault("transfer_timeout", 30) // seconds
	v.SetDefault("user_agent", "")
	v.SetDefault("accept_rate", 0)
	v.SetDefault("accept_burst", 16)
	v.SetDefault("max_response_bytes", 0)
	v.SetDefault("storage_type", "memory")
	v.SetDefault("bbolt_path", "./data/addresses.db")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("address_ttl_seconds", int64((24*time.Hour)/time.Second))
	v.SetDefault("storage_cleanup_interval_seconds", int64(time.Hour/time.Second))
	v.SetDefault("publishers_file", "")

	fs := newFlagSet("ipv6proxy")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	flagKeys := map[string]string{
		"bind":         "bind",
		"ipv6-subnet":  "ipv6_subnet",
		"system-route": "system_route",
		"forward":      "forwards",
	}
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) finalize() error {
	cfg.Bind = strings.TrimSpace(cfg.Bind)
	cfg.IPv6Subnet = strings.TrimSpace(cfg.IPv6Subnet)
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))

	if cfg.IPv6Subnet == "" {
		return fmt.Errorf("invalid ipv6_subnet (must not be empty)")
	}
	if cfg.TransferTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid transfer_timeout (must be positive seconds)")
	}
	cfg.TransferTimeout = time.Duration(cfg.TransferTimeoutSeconds) * time.Second

	if cfg.AcceptRate < 0 {
		return fmt.Errorf("invalid accept_rate (must not be negative)")
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst <= 0 {
		return fmt.Errorf("invalid accept_burst (must be positive when accept_rate is set)")
	}
	if cfg.MaxResponseBytes < 0 {
		return fmt.Errorf("invalid max_response_bytes (must not be negative)")
	}

	if cfg.AddressTTLSeconds <= 0 {
		return fmt.Errorf("invalid address_ttl_seconds (must be positive seconds)")
	}
	if cfg.StorageCleanupSeconds <= 0 {
		return fmt.Errorf("invalid storage_cleanup_interval_seconds (must be positive seconds)")
	}
	cfg.AddressTTL = time.Duration(cfg.AddressTTLSeconds) * time.Second
	cfg.StorageCleanupInterval = time.Duration(cfg.StorageCleanupSeconds) * time.Second

	cfg.Forwards = splitList(cfg.ForwardsRaw, ";")
	cfg.AllowIPv4 = splitList(cfg.AllowIPv4Raw, ",")
	cfg.AllowIPv6 = splitList(cfg.AllowIPv6Raw, ",")
	cfg.AllowIPs = splitList(cfg.AllowIPsRaw, ",")
	return nil
}

// splitList splits raw on sep, trimming entries and dropping empty ones.
func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newFlagSet(program string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(program, pflag.ContinueOnError)
	fs.StringP("bind", "b", "0.0.0.0:51080", "http proxy bind address")
	fs.StringP("ipv6-subnet", "i", "2001:19f0:6001:48e4::/64", "IPv6 subnet, e.g. 2001:19f0:6001:48e4::/64")
	fs.StringP("system-route", "s", "0", "use system route (provide 1 to enable)")
	fs.StringP("forward", "f", "", "forward mappings local,remote,sni[,proxies[,type]] separated by ';'")
	return fs
}

// Usage renders the flag help text.
func Usage(program string) string {
	return fmt.Sprintf("Usage: %s [options]\n%s", program, newFlagSet(program).FlagUsages())
}

// Redacted returns a copy safe to log.
func (cfg *Config) Redacted() Config {
	out := *cfg
	if out.RedisPassword != "" {
		out.RedisPassword = "redacted"
	}
	return out
}
