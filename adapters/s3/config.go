package s3

import (
	"fmt"
	"strings"
	"time"

	"github.com/gostratum/datastorex"
)

// ProviderType is the discriminator reported by the S3 provider
const ProviderType = "s3"

// Config configures one S3 provider instance. Several instances may be
// configured under datastore.providers.s3, one per bucket.
type Config struct {
	// Identifier names the provider in the registry; defaults to "s3"
	Identifier string `mapstructure:"identifier" yaml:"identifier"`

	// Priority orders probing among providers; lower probes first
	Priority int `mapstructure:"priority" yaml:"priority"`

	// Bucket is the storage bucket name; paths look like s3://<bucket>/<key>
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region (e.g., "us-west-2")
	Region string `mapstructure:"region" yaml:"region" default:"us-east-1"`

	// Endpoint is the custom endpoint URL (for MinIO, etc.)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (true for MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style" default:"false"`

	// AccessKey is the access key ID
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`

	// SecretKey is the secret access key
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// SessionToken is the temporary session token (optional)
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`

	// UseSDKDefaults lets the AWS SDK default credential chain (env, shared
	// config, instance profile) supply credentials when none are explicit.
	UseSDKDefaults bool `mapstructure:"use_sdk_defaults" yaml:"use_sdk_defaults" default:"false"`

	// RoleARN optionally specifies a role to assume via STS
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// ExternalID is passed to STS AssumeRole when RoleARN is used
	ExternalID string `mapstructure:"external_id" yaml:"external_id"`

	// AssumeRoleValidateCredentials resolves the source credentials at
	// startup before wiring AssumeRole
	AssumeRoleValidateCredentials bool `mapstructure:"assume_role_validate_credentials" yaml:"assume_role_validate_credentials"`

	// Profile selects a shared credentials/profile name when loading SDK defaults
	Profile string `mapstructure:"profile" yaml:"profile"`

	// RequestTimeout is the timeout for individual requests
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// BackoffInitial is the initial backoff delay
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" default:"200ms"`

	// BackoffMax is the maximum backoff delay
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"5s"`

	// BasePrefix is prepended to every object key (e.g., "tenants/acme")
	BasePrefix string `mapstructure:"base_prefix" yaml:"base_prefix"`

	// DisableSSL uses plain http for endpoints given without a scheme
	DisableSSL bool `mapstructure:"disable_ssl" yaml:"disable_ssl" default:"false"`

	// ValidateBucket issues HeadBucket when the provider is created
	ValidateBucket bool `mapstructure:"validate_bucket" yaml:"validate_bucket" default:"true"`

	// CreateBucket creates the bucket when the provider starts and it is missing.
	// Implies the HeadBucket check.
	CreateBucket bool `mapstructure:"create_bucket" yaml:"create_bucket" default:"false"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     5 * time.Second,
		ValidateBucket: true,
	}
}

// Name returns the registry identifier
func (c *Config) Name() string {
	if c.Identifier != "" {
		return c.Identifier
	}
	return ProviderType
}

// PathPrefix returns the path prefix this provider claims
func (c *Config) PathPrefix() string {
	return "s3://" + c.Bucket + "/"
}

// redacted replaces a set secret with a fixed marker
const redacted = "[redacted]"

// Redacted returns a copy with credentials masked, safe to log
func (c *Config) Redacted() *Config {
	if c == nil {
		return nil
	}
	out := *c
	for _, s := range []*string{&out.AccessKey, &out.SecretKey, &out.SessionToken, &out.ExternalID} {
		if *s != "" {
			*s = redacted
		}
	}
	return &out
}

// GetEndpointURL returns the endpoint with a scheme
func (c *Config) GetEndpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	if strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	if c.DisableSSL {
		return "http://" + c.Endpoint
	}
	return "https://" + c.Endpoint
}

// Sanitize returns a copy with defaults applied and values trimmed
func (c *Config) Sanitize() *Config {
	if c == nil {
		return DefaultConfig()
	}
	sanitized := *c

	if sanitized.Region == "" && sanitized.Endpoint == "" {
		sanitized.Region = "us-east-1"
	}
	if sanitized.RequestTimeout == 0 {
		sanitized.RequestTimeout = 30 * time.Second
	}
	if sanitized.MaxRetries == 0 {
		sanitized.MaxRetries = 3
	}
	if sanitized.BackoffInitial == 0 {
		sanitized.BackoffInitial = 200 * time.Millisecond
	}
	if sanitized.BackoffMax == 0 {
		sanitized.BackoffMax = 5 * time.Second
	}

	sanitized.Bucket = strings.TrimSpace(sanitized.Bucket)
	if sanitized.Endpoint != "" {
		sanitized.Endpoint = strings.TrimSuffix(strings.TrimSpace(sanitized.Endpoint), "/")
	}
	if sanitized.BasePrefix != "" {
		sanitized.BasePrefix = strings.Trim(strings.TrimSpace(sanitized.BasePrefix), "/")
	}
	return &sanitized
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	if c == nil {
		return &datastorex.ValidationError{Field: "s3", Message: "configuration cannot be nil"}
	}

	var problems []string

	if c.Bucket == "" {
		problems = append(problems, "bucket cannot be empty")
	} else if err := validateBucketName(c.Bucket); err != nil {
		problems = append(problems, fmt.Sprintf("invalid bucket name: %v", err))
	}

	if c.Region == "" && c.Endpoint == "" {
		problems = append(problems, "region is required when endpoint is not specified (AWS mode)")
	}

	if (c.AccessKey == "") != (c.SecretKey == "") {
		problems = append(problems, "both access_key and secret_key must be set together; do not provide only one")
	}
	if c.AccessKey == "" && c.Endpoint != "" && c.RoleARN == "" && !c.UseSDKDefaults && c.Profile == "" {
		problems = append(problems, "credentials required for custom endpoint: provide access_key+secret_key, a profile or enable use_sdk_defaults")
	}

	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.RequestTimeout > 10*time.Minute {
		problems = append(problems, "request_timeout should not exceed 10 minutes")
	}

	if c.MaxRetries < 0 {
		problems = append(problems, "max_retries cannot be negative")
	}
	if c.MaxRetries > 10 {
		problems = append(problems, "max_retries should not exceed 10")
	}
	if c.BackoffInitial <= 0 {
		problems = append(problems, "backoff_initial must be positive")
	}
	if c.BackoffMax <= c.BackoffInitial {
		problems = append(problems, "backoff_max must be greater than backoff_initial")
	}

	if c.Endpoint != "" {
		if err := validateEndpoint(c.Endpoint); err != nil {
			problems = append(problems, fmt.Sprintf("invalid endpoint: %v", err))
		}
	}
	if c.BasePrefix != "" {
		if err := validateBasePrefix(c.BasePrefix); err != nil {
			problems = append(problems, fmt.Sprintf("invalid base_prefix: %v", err))
		}
	}
	if c.RoleARN != "" && !isPlausibleRoleARN(c.RoleARN) {
		problems = append(problems, "role_arn looks invalid: must be a valid IAM role ARN (e.g., arn:aws:iam::123456789012:role/RoleName)")
	}

	if len(problems) > 0 {
		return &datastorex.ValidationError{
			Field:   "s3." + c.Name(),
			Message: strings.Join(problems, "; "),
		}
	}
	return nil
}

// isPlausibleRoleARN performs a light-weight validation of an IAM role ARN
func isPlausibleRoleARN(arn string) bool {
	// arn:partition:service:region:account-id:resource
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "iam" {
		return false
	}
	if !isNumeric(parts[4]) {
		return false
	}
	return strings.HasPrefix(parts[5], "role/")
}

// validateBucketName validates S3 bucket naming rules
func validateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return fmt.Errorf("bucket name must be between 3 and 63 characters")
	}
	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("bucket name cannot start or end with a hyphen")
	}
	if strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return fmt.Errorf("bucket name cannot start or end with a period")
	}
	if strings.Contains(bucket, "..") || strings.Contains(bucket, "--") {
		return fmt.Errorf("bucket name cannot contain consecutive periods or hyphens")
	}
	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return fmt.Errorf("bucket name contains invalid character: %c", char)
		}
	}

	parts := strings.Split(bucket, ".")
	if len(parts) == 4 {
		allNumeric := true
		for _, part := range parts {
			if !isNumeric(part) {
				allNumeric = false
				break
			}
		}
		if allNumeric {
			return fmt.Errorf("bucket name cannot be formatted as an IP address")
		}
	}
	return nil
}

func isValidBucketChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.'
}

func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, char := range s {
		if char < '0' || char > '9' {
			return false
		}
	}
	return true
}

// validateEndpoint validates the endpoint URL format
func validateEndpoint(endpoint string) error {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil
	}
	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint protocol must be http or https")
	}
	if strings.Contains(endpoint, " ") {
		return fmt.Errorf("endpoint cannot contain spaces")
	}
	return nil
}

// validateBasePrefix validates the key prefix
func validateBasePrefix(prefix string) error {
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("base prefix cannot contain '..' patterns")
	}
	if strings.Contains(prefix, "//") {
		return fmt.Errorf("base prefix cannot contain consecutive slashes")
	}
	return nil
}
