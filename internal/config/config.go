// Package config holds the immutable run configuration for the anonymiser.
//
// A Config is loaded once at startup and passed explicitly to every
// component; nothing in this repository reads configuration from globals.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HasherConfig declares one keyed hasher.
type HasherConfig struct {
	Algorithm string `yaml:"algorithm"` // HMAC_MD5, HMAC_SHA256, HMAC_SHA512
	Key       string `yaml:"key"`
}

// DatabaseConfig identifies one database by tag and DSN.
type DatabaseConfig struct {
	Tag string `yaml:"tag"`
	DSN string `yaml:"dsn"`
}

// Config is the full run configuration.
type Config struct {
	// Databases
	SourceDatabases     []DatabaseConfig `yaml:"source_databases"`
	DestinationDatabase DatabaseConfig   `yaml:"destination_database"`
	AdminDatabase       DatabaseConfig   `yaml:"admin_database"`

	// Data dictionary
	DataDictionaryPath string `yaml:"data_dictionary"`

	// Hashers
	PrimaryHasher HasherConfig            `yaml:"primary_pid_hasher"`
	MasterHasher  HasherConfig            `yaml:"master_pid_hasher"`
	ChangeHasher  HasherConfig            `yaml:"change_detection_hasher"`
	ExtraHashers  map[string]HasherConfig `yaml:"extra_hashers"`

	// Replacement texts
	ReplacePatientWith     string `yaml:"replace_patient_with"`
	ReplaceThirdPartyWith  string `yaml:"replace_third_party_with"`
	ReplaceNonspecificWith string `yaml:"replace_nonspecific_with"`
	ReplaceAllDatesWith    string `yaml:"replace_all_dates_with"` // "" = no blurring, plain replacement

	// Boundary semantics
	StringsAtWordBoundariesOnly    bool `yaml:"anonymise_strings_at_word_boundaries_only"`
	NumbersAtWordBoundariesOnly    bool `yaml:"anonymise_numbers_at_word_boundaries_only"`
	NumbersAtNumericBoundariesOnly bool `yaml:"anonymise_numbers_at_numeric_boundaries_only"`
	CodesAtWordBoundariesOnly      bool `yaml:"anonymise_codes_at_word_boundaries_only"`
	CodesAtNumericBoundariesOnly   bool `yaml:"anonymise_codes_at_numeric_boundaries_only"`
	DatesAtWordBoundariesOnly      bool `yaml:"anonymise_dates_at_word_boundaries_only"`

	// String scrubbing
	ScrubStringSuffixes      []string `yaml:"scrub_string_suffixes"`
	StringMaxRegexErrors     int      `yaml:"string_max_regex_errors"`
	MinStringLengthForErrors int      `yaml:"min_string_length_for_errors"`
	MinStringLengthToScrub   int      `yaml:"min_string_length_to_scrub_with"`

	// Word lists
	AllowlistFilenames     []string `yaml:"allowlist_filenames"`
	DenylistFilenames      []string `yaml:"denylist_filenames"`
	DenylistFilesAsPhrases bool     `yaml:"denylist_files_as_phrases"`
	DenylistUseRegex       bool     `yaml:"denylist_use_regex"`

	// Nonspecific scrubbing
	ScrubAllNumbersOfNDigits []int    `yaml:"scrub_all_numbers_of_n_digits"`
	ScrubAllUKPostcodes      bool     `yaml:"scrub_all_uk_postcodes"`
	ScrubAllDates            bool     `yaml:"scrub_all_dates"`
	ScrubAllEmailAddresses   bool     `yaml:"scrub_all_email_addresses"`
	ExtraRegexes             []string `yaml:"extra_regexes"`
	NonspecificScrubberFirst bool     `yaml:"nonspecific_scrubber_first"`

	// Third-party expansion
	ThirdPartyXrefMaxDepth int `yaml:"thirdparty_xref_max_depth"`

	// Opt-out sources
	OptOutColValues []string `yaml:"optout_col_values"`
	OptOutPIDFiles  []string `yaml:"optout_pid_filenames"`
	OptOutMPIDFiles []string `yaml:"optout_mpid_filenames"`

	// Commit batching
	MaxRowsBeforeCommit  int   `yaml:"max_rows_before_commit"`
	MaxBytesBeforeCommit int64 `yaml:"max_bytes_before_commit"`

	// Run behaviour
	Workers            int  `yaml:"workers"`
	FullRun            bool `yaml:"full_run"`
	WipeIdentifierMaps bool `yaml:"wipe_identifier_maps"` // only honoured on a full run

	// Timeouts and retry
	DBCallTimeoutSecs     int `yaml:"db_call_timeout"`      // per database call
	ExtractTimeoutSecs    int `yaml:"extract_timeout"`      // per document
	DBMaxRetryElapsedSecs int `yaml:"db_max_retry_elapsed"` // backoff budget for transient errors
}

// Default replacement texts.
const (
	DefaultReplPatient     = "[__PPP__]"
	DefaultReplThirdParty  = "[__TTT__]"
	DefaultReplNonspecific = "[~~~]"
)

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		ReplacePatientWith:     DefaultReplPatient,
		ReplaceThirdPartyWith:  DefaultReplThirdParty,
		ReplaceNonspecificWith: DefaultReplNonspecific,

		StringsAtWordBoundariesOnly:    true,
		NumbersAtWordBoundariesOnly:    false,
		NumbersAtNumericBoundariesOnly: true,
		CodesAtWordBoundariesOnly:      true,
		CodesAtNumericBoundariesOnly:   true,
		DatesAtWordBoundariesOnly:      true,

		ScrubStringSuffixes:      []string{"s"},
		StringMaxRegexErrors:     0,
		MinStringLengthForErrors: 3,
		MinStringLengthToScrub:   2,

		ThirdPartyXrefMaxDepth: 1,

		MaxRowsBeforeCommit:  1000,
		MaxBytesBeforeCommit: 80 * 1024 * 1024,

		Workers: 1,

		DBCallTimeoutSecs:     60,
		ExtractTimeoutSecs:    60,
		DBMaxRetryElapsedSecs: 300,
	}
}

// LoadConfig loads configuration from a YAML file and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// allowedDateDirectives is the restricted strftime subset permitted in
// replace_all_dates_with. Day-of-month directives would leak the very
// precision date blurring exists to remove.
var allowedDateDirectives = map[string]bool{
	"%b": true, "%B": true, "%m": true, "%Y": true, "%y": true,
}

// Validate checks the loaded configuration. Any failure is fatal at startup.
func (c *Config) Validate() error {
	if len(c.SourceDatabases) == 0 {
		return fmt.Errorf("source_databases is required")
	}
	seen := map[string]bool{}
	for _, db := range c.SourceDatabases {
		if db.Tag == "" || db.DSN == "" {
			return fmt.Errorf("source database needs both tag and dsn")
		}
		if seen[db.Tag] {
			return fmt.Errorf("duplicate source database tag %q", db.Tag)
		}
		seen[db.Tag] = true
	}
	if c.DestinationDatabase.DSN == "" {
		return fmt.Errorf("destination_database.dsn is required")
	}
	if c.AdminDatabase.DSN == "" {
		return fmt.Errorf("admin_database.dsn is required")
	}
	if c.DataDictionaryPath == "" {
		return fmt.Errorf("data_dictionary is required")
	}

	for name, h := range map[string]HasherConfig{
		"primary_pid_hasher":      c.PrimaryHasher,
		"master_pid_hasher":       c.MasterHasher,
		"change_detection_hasher": c.ChangeHasher,
	} {
		if h.Key == "" {
			return fmt.Errorf("%s.key is required", name)
		}
		if h.Algorithm == "" {
			return fmt.Errorf("%s.algorithm is required", name)
		}
	}
	for tag, h := range c.ExtraHashers {
		if h.Key == "" || h.Algorithm == "" {
			return fmt.Errorf("extra hasher %q needs both algorithm and key", tag)
		}
	}

	if err := validateDateFormat(c.ReplaceAllDatesWith); err != nil {
		return err
	}

	if c.MaxRowsBeforeCommit <= 0 {
		return fmt.Errorf("max_rows_before_commit must be positive")
	}
	if c.MaxBytesBeforeCommit <= 0 {
		return fmt.Errorf("max_bytes_before_commit must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.ThirdPartyXrefMaxDepth < 0 {
		return fmt.Errorf("thirdparty_xref_max_depth must not be negative")
	}
	if c.MinStringLengthToScrub < 1 {
		return fmt.Errorf("min_string_length_to_scrub_with must be at least 1")
	}
	if c.StringMaxRegexErrors < 0 {
		return fmt.Errorf("string_max_regex_errors must not be negative")
	}
	for _, n := range c.ScrubAllNumbersOfNDigits {
		if n < 1 {
			return fmt.Errorf("scrub_all_numbers_of_n_digits entries must be positive")
		}
	}
	return nil
}

// validateDateFormat rejects any % directive outside the blurring subset.
func validateDateFormat(format string) error {
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 >= len(format) {
			return fmt.Errorf("replace_all_dates_with: trailing %% in %q", format)
		}
		d := format[i : i+2]
		if d == "%%" {
			i++
			continue
		}
		if !allowedDateDirectives[d] {
			return fmt.Errorf("replace_all_dates_with: directive %q not permitted (allowed: %s)",
				d, strings.Join([]string{"%b", "%B", "%m", "%Y", "%y"}, " "))
		}
		i++
	}
	return nil
}

// DBCallTimeout returns the per-call database timeout.
func (c *Config) DBCallTimeout() time.Duration {
	return time.Duration(c.DBCallTimeoutSecs) * time.Second
}

// ExtractTimeout returns the per-document text-extraction timeout.
func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSecs) * time.Second
}

// DBMaxRetryElapsed returns the total backoff budget for transient
// database errors.
func (c *Config) DBMaxRetryElapsed() time.Duration {
	return time.Duration(c.DBMaxRetryElapsedSecs) * time.Second
}
