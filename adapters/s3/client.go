package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"

	"github.com/gostratum/datastorex"
)

// Credential sources reported by buildAWSConfigWithLoader
const (
	credStatic      = "static"
	credProfile     = "profile"
	credSDKDefault  = "sdk-default"
	credAssumedRole = "assumed-role"
)

// assumeRoleSessionName tags STS sessions opened by the provider
const assumeRoleSessionName = "datastorex-assume-role"

// ClientConfig holds the configuration for creating S3 clients
type ClientConfig struct {
	Config *Config
	Logger datastorex.Logger

	// HTTPClient overrides the timeout-bound default client
	HTTPClient *http.Client
}

// ClientManager owns the S3 client for one configured bucket
type ClientManager struct {
	s3Client *s3.Client
	config   *Config
	logger   datastorex.Logger
}

// NewClientManager builds the SDK client and, depending on configuration,
// checks or creates the bucket.
func NewClientManager(ctx context.Context, clientConfig ClientConfig) (*ClientManager, error) {
	cfg := clientConfig.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: s3 config cannot be nil", datastorex.ErrInvalidConfig)
	}
	logger := clientConfig.Logger
	if logger == nil {
		logger = datastorex.NewNopLogger()
	}

	awsConfig, credSource, err := buildAWSConfigWithLoader(ctx, cfg, logger, config.LoadDefaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}

	cm := &ClientManager{
		s3Client: s3.NewFromConfig(awsConfig, clientOptions(cfg, clientConfig.HTTPClient)),
		config:   cfg,
		logger:   logger,
	}

	if err := cm.prepareBucket(ctx); err != nil {
		return nil, err
	}

	logger.Info("S3 client ready",
		"bucket", cfg.Bucket,
		"region", awsConfig.Region,
		"endpoint", cfg.Endpoint,
		"cred_source", credSource)
	return cm, nil
}

// clientOptions applies endpoint, retry and transport settings to the S3 client
func clientOptions(cfg *Config, httpClient *http.Client) func(*s3.Options) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.RetryMaxAttempts = cfg.MaxRetries
		o.RetryMode = aws.RetryModeAdaptive
		o.HTTPClient = httpClient

		if cfg.Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(cfg.GetEndpointURL())
		// S3-compatible servers often reject the default CRC trailers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}
}

// awsConfigLoader matches config.LoadDefaultConfig so tests can stub it
type awsConfigLoader func(ctx context.Context, opts ...func(*config.LoadOptions) error) (aws.Config, error)

// buildAWSConfigWithLoader loads the SDK config and reports where the
// credentials come from: static, profile, sdk-default or assumed-role.
func buildAWSConfigWithLoader(ctx context.Context, cfg *Config, logger datastorex.Logger, loader awsConfigLoader) (aws.Config, string, error) {
	options, credSource, err := credentialOptions(cfg)
	if err != nil {
		return aws.Config{}, "", err
	}

	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	options = append(options, config.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = cfg.MaxRetries
			o.MaxBackoff = cfg.BackoffMax
			o.Backoff = createBackoffStrategy(cfg)
		})
	}))

	awsConfig, err := loader(ctx, options...)
	if err != nil {
		return aws.Config{}, credSource, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	logger.Debug("AWS config loaded", "region", awsConfig.Region, "cred_source", credSource)

	if cfg.RoleARN == "" {
		return awsConfig, credSource, nil
	}
	if err := assumeRole(ctx, &awsConfig, cfg, logger); err != nil {
		return aws.Config{}, credSource, err
	}
	return awsConfig, credAssumedRole, nil
}

// credentialOptions picks the base credential source. Explicit keys win over
// a profile; with neither, the SDK chain is used only when allowed or when a
// role will be assumed on top of it.
func credentialOptions(cfg *Config) ([]func(*config.LoadOptions) error, string, error) {
	switch {
	case cfg.AccessKey != "" && cfg.SecretKey != "":
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		return []func(*config.LoadOptions) error{config.WithCredentialsProvider(provider)}, credStatic, nil
	case cfg.Profile != "":
		return []func(*config.LoadOptions) error{config.WithSharedConfigProfile(cfg.Profile)}, credProfile, nil
	case cfg.UseSDKDefaults || cfg.RoleARN != "":
		return nil, credSDKDefault, nil
	default:
		return nil, "", fmt.Errorf("%w: use_sdk_defaults is false but no explicit credentials provided (access_key/secret_key or profile)", datastorex.ErrInvalidConfig)
	}
}

// assumeRole swaps the loaded credentials for an STS AssumeRole provider
// that authenticates with them.
func assumeRole(ctx context.Context, awsConfig *aws.Config, cfg *Config, logger datastorex.Logger) error {
	logger.Info("Config requests STS AssumeRole", "role_arn", cfg.RoleARN)

	if awsConfig.Credentials != nil {
		if cfg.AssumeRoleValidateCredentials {
			vctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if _, err := awsConfig.Credentials.Retrieve(vctx); err != nil {
				return fmt.Errorf("unable to resolve underlying credentials for assume-role: %w", err)
			}
		} else {
			logger.Warn("Assume-role credential validation is disabled", "role_arn", cfg.RoleARN)
		}
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(*awsConfig), cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = assumeRoleSessionName
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
	})
	awsConfig.Credentials = aws.NewCredentialsCache(provider)
	return nil
}

// createBackoffStrategy returns an SDK delayer computing exponential backoff
// with 10% jitter, capped at BackoffMax.
func createBackoffStrategy(cfg *Config) retry.BackoffDelayerFunc {
	return func(attempt int, _ error) (time.Duration, error) {
		b := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(cfg.BackoffInitial),
			backoff.WithMaxInterval(cfg.BackoffMax),
			backoff.WithMaxElapsedTime(0),
			backoff.WithMultiplier(2.0),
			backoff.WithRandomizationFactor(0.1),
		)

		var delay time.Duration
		for range attempt {
			if delay = b.NextBackOff(); delay == backoff.Stop {
				break
			}
		}
		return delay, nil
	}
}

// prepareBucket runs the start-up bucket check selected by configuration
func (cm *ClientManager) prepareBucket(ctx context.Context) error {
	switch {
	case cm.config.CreateBucket:
		return cm.CreateBucketIfNotExists(ctx)
	case cm.config.ValidateBucket:
		exists, err := cm.BucketExists(ctx)
		if err != nil {
			return fmt.Errorf("failed to validate S3 connection: %w", err)
		}
		if !exists {
			return MapS3Error(&s3Types.NoSuchBucket{}, "head_bucket", cm.config.Bucket)
		}
		cm.logger.Debug("Bucket access validated", "bucket", cm.config.Bucket)
	}
	return nil
}

// Client returns the configured S3 client
func (cm *ClientManager) Client() *s3.Client {
	return cm.s3Client
}

// Config returns the provider configuration
func (cm *ClientManager) Config() *Config {
	return cm.config
}

// Close releases nothing today; the SDK client holds no per-manager resources
func (cm *ClientManager) Close() error {
	cm.logger.Debug("Closing S3 client manager", "bucket", cm.config.Bucket)
	return nil
}

// BucketExists heads the configured bucket. A missing bucket is reported
// as false; access or connectivity failures are returned.
func (cm *ClientManager) BucketExists(ctx context.Context) (bool, error) {
	_, err := cm.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cm.config.Bucket)})
	if err == nil {
		return true, nil
	}

	mapped := MapS3Error(err, "head_bucket", cm.config.Bucket)
	var notFound *s3Types.NotFound
	if errors.As(err, &notFound) || datastorex.IsNotFound(mapped) {
		return false, nil
	}
	cm.logger.Warn("Failed to validate bucket access", "bucket", cm.config.Bucket, "error", err)
	return false, mapped
}

// CreateBucketIfNotExists creates the configured bucket when it is missing
func (cm *ClientManager) CreateBucketIfNotExists(ctx context.Context) error {
	exists, err := cm.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(cm.config.Bucket)}
	// us-east-1 rejects an explicit location constraint
	if region := cm.config.Region; region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(region),
		}
	}

	if _, err := cm.s3Client.CreateBucket(ctx, input); err != nil {
		return MapS3Error(err, "create_bucket", cm.config.Bucket)
	}
	cm.logger.Info("Bucket created", "bucket", cm.config.Bucket)
	return nil
}
