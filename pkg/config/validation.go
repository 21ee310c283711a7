package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the rules tags cannot express.
//
// Log level normalization is handled in ApplyDefaults; validation accepts
// both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Backend.Type == "s3" {
		if bucket, _ := cfg.Backend.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("backend.s3.bucket: required when backend.type is s3")
		}
		if region, _ := cfg.Backend.S3["region"].(string); region == "" {
			return fmt.Errorf("backend.s3.region: required when backend.type is s3")
		}
	}

	if cfg.Cache.Enabled && !cfg.Cache.InMemory && cfg.Cache.Path == "" {
		return fmt.Errorf("cache.path: required when the cache is enabled and not in memory")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("metrics.port: required when metrics are enabled")
	}

	return nil
}

// formatValidationError reports the first validator failure with its field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
