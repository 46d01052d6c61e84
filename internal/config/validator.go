package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log encodings.
func ValidLogFormats() []string {
	return []string{"console", "json"}
}

// Validate returns nil or a ValidationErrors listing every bad field.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	absPaths := map[string]string{
		"socket":                      c.Socket,
		"state_dir":                   c.StateDir,
		"etc_instances_dir":           c.EtcInstancesDir,
		"cuttlefish_instances_dir":    c.CuttlefishInstancesDir,
		"cuttlefish_assembly_dir":     c.CuttlefishAssemblyDir,
		"cuttlefish_system_image_dir": c.CuttlefishSystemImageDir,
		"cuttlefish_root":             c.CuttlefishRoot,
		"temp_dir":                    c.TempDir,
	}
	keys := make([]string, 0, len(absPaths))
	for k := range absPaths {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, field := range keys {
		if p := absPaths[field]; p == "" || !filepath.IsAbs(p) {
			add(field, p, "must be an absolute path")
		}
	}

	if c.CuttlefishFHS == "" {
		add("cuttlefish_fhs", c.CuttlefishFHS, "must not be empty")
	}
	if c.AdbHost == "" {
		add("adb_host", c.AdbHost, "must not be empty")
	}
	if c.BaseAdbPort == 0 {
		add("base_adb_port", c.BaseAdbPort, "must be greater than 0")
	} else if int(c.BaseAdbPort)+99 > 65535 {
		add("base_adb_port", c.BaseAdbPort, "leaves no room for 99 instances")
	}
	if c.JournalLines < 1 {
		add("journal_lines", c.JournalLines, "must be at least 1")
	}
	if c.Workers < 1 {
		add("workers", c.Workers, "must be at least 1")
	}
	if c.StartTimeoutSecs == 0 {
		add("start_timeout_secs", c.StartTimeoutSecs, "must be greater than 0")
	}
	if c.AdbTimeoutSecs == 0 {
		add("adb_timeout_secs", c.AdbTimeoutSecs, "must be greater than 0")
	}
	if c.RunAsGuestUser && (c.GuestUser == "" || c.GuestPrimaryGroup == "") {
		add("guest_user", c.GuestUser, "run_as_guest_user needs guest_user and guest_primary_group")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.LogLevel)) {
		add("log_level", c.LogLevel, "must be one of: "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.LogFormat)) {
		add("log_format", c.LogFormat, "must be one of: "+strings.Join(ValidLogFormats(), ", "))
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
