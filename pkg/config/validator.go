// Copyright (C) 2025 Logan Ross
//
// This file is part of EgressWatch.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError contains details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// Validate checks the configuration for errors and returns a combined error if any are found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, &ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Value:   fe.Value(),
				Message: describe(fe),
			})
		}
	}

	errs = append(errs, validateDurations(cfg)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateMonitor(cfg)...)
	errs = append(errs, validateMetricsSource(&cfg.MetricsSource)...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// fieldPath drops the root type from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "hostname_port":
		return "must be a host:port address"
	case "url":
		return "must be a URL"
	case "cidr|ip":
		return "must be an IP address or CIDR"
	case "unique":
		return "must not contain duplicates"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

func validateDurations(cfg *Config) []error {
	durations := []struct {
		field string
		value time.Duration
	}{
		{"api.max_monitor_duration", cfg.API.MaxMonitorDuration},
		{"store.retention", cfg.Store.Retention},
		{"store.compaction_interval", cfg.Store.CompactionInterval},
		{"collector.node_timeout", cfg.Collector.NodeTimeout},
		{"monitor.window", cfg.Monitor.Window},
		{"monitor.poll_interval", cfg.Monitor.PollInterval},
		{"correlation.bucket_width", cfg.Correlation.BucketWidth},
		{"correlation.default_bucket", cfg.Correlation.DefaultBucket},
		{"retry.initial_backoff", cfg.Retry.InitialBackoff},
		{"retry.max_backoff", cfg.Retry.MaxBackoff},
		{"metrics_source.step", cfg.MetricsSource.Step},
		{"metrics_source.timeout", cfg.MetricsSource.Timeout},
		{"export.timeout", cfg.Export.Timeout},
	}

	var errs []error
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, &ValidationError{
				Field:   d.field,
				Value:   d.value,
				Message: "must not be negative",
			})
		}
	}
	return errs
}

func validateRetry(r *RetryConfig) []error {
	if r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff {
		return []error{&ValidationError{
			Field:   "retry.max_backoff",
			Value:   r.MaxBackoff,
			Message: fmt.Sprintf("must not be less than retry.initial_backoff (%s)", r.InitialBackoff),
		}}
	}
	return nil
}

func validateMonitor(cfg *Config) []error {
	var errs []error
	if cfg.Monitor.Enabled && len(cfg.Nodes) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "nodes",
			Value:   cfg.Nodes,
			Message: "background monitoring requires at least one node",
		})
	}
	// A window shorter than the poll interval never holds two snapshots.
	if cfg.Monitor.Window > 0 && cfg.Monitor.PollInterval > cfg.Monitor.Window {
		errs = append(errs, &ValidationError{
			Field:   "monitor.poll_interval",
			Value:   cfg.Monitor.PollInterval,
			Message: fmt.Sprintf("must not exceed monitor.window (%s)", cfg.Monitor.Window),
		})
	}
	return errs
}

func validateMetricsSource(ms *MetricsSourceConfig) []error {
	if !ms.Enabled || len(ms.Queries) > 0 {
		return nil
	}
	return []error{&ValidationError{
		Field:   "metrics_source.queries",
		Value:   len(ms.Queries),
		Message: "at least one query is required when the metrics source is enabled",
	}}
}
