package datastorex

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (DATASTOREX_PAGE_SIZE, ...)
const EnvPrefix = "DATASTOREX"

// ViperOrDefault returns v, or a viper instance wired to the default config
// file locations and environment when v is nil.
func ViperOrDefault(v *viper.Viper) *viper.Viper {
	if v != nil {
		return v
	}
	v = viper.New()
	setupViper(v)
	return v
}

// LoadConfig reads the datastore section of v into a sanitized, validated Config
func LoadConfig(v *viper.Viper) (*Config, error) {
	v = ViperOrDefault(v)
	bindEnvVars(v)

	// Unmarshal walks AllSettings, which includes env-bound keys that
	// UnmarshalKey would miss when no file or default sets the section.
	cfg := DefaultConfig()
	root := struct {
		Datastore *Config `mapstructure:"datastore"`
	}{Datastore: cfg}
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadProviderConfigs unmarshals the datastore.providers.<providerType> list into out
func LoadProviderConfigs(v *viper.Viper, providerType string, out any) error {
	v = ViperOrDefault(v)
	key := "datastore.providers." + providerType
	if !v.IsSet(key) {
		return nil
	}
	if err := v.UnmarshalKey(key, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s provider config: %w", providerType, err)
	}
	return nil
}

// setupViper configures viper with default settings
func setupViper(v *viper.Viper) {
	v.SetConfigName("datastorex")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/datastorex")
	v.AddConfigPath("$HOME/.config/datastorex")

	def := DefaultConfig()
	defaults := map[string]any{
		"datastore.page_size":            def.PageSize,
		"datastore.max_pages":            def.MaxPages,
		"datastore.min_part_size":        def.MinPartSize,
		"datastore.max_part_size":        def.MaxPartSize,
		"datastore.max_part_count":       def.MaxPartCount,
		"datastore.part_concurrency":     def.PartConcurrency,
		"datastore.single_request_limit": def.SingleRequestLimit,
		"datastore.enable_logging":       def.EnableLogging,
		"datastore.log_level":            def.LogLevel,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// The config file is optional
	_ = v.ReadInConfig()
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"datastore.page_size":            "DATASTOREX_PAGE_SIZE",
		"datastore.max_pages":            "DATASTOREX_MAX_PAGES",
		"datastore.min_part_size":        "DATASTOREX_MIN_PART_SIZE",
		"datastore.max_part_size":        "DATASTOREX_MAX_PART_SIZE",
		"datastore.max_part_count":       "DATASTOREX_MAX_PART_COUNT",
		"datastore.part_concurrency":     "DATASTOREX_PART_CONCURRENCY",
		"datastore.single_request_limit": "DATASTOREX_SINGLE_REQUEST_LIMIT",
		"datastore.enable_logging":       "DATASTOREX_ENABLE_LOGGING",
		"datastore.log_level":            "DATASTOREX_LOG_LEVEL",
	}

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}
