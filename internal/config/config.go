package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for canarc
type Config struct {
	Log       LogConfig
	Input     InputConfig
	Databases []string // "bus=path.dbc" or "path.dbc" for every bus
	Output    OutputConfig
	Storage   StorageConfig
	Shutdown  ShutdownConfig
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type InputConfig struct {
	TimeResolutionNS int64 // Truncate frame timestamps to this resolution (0 = keep)
}

type OutputConfig struct {
	Compression     string // Parquet codec: snappy, gzip, zstd, none
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string
	RowGroupRows    int
	Overwrite       bool // Replace an existing output object
}

type StorageConfig struct {
	Backend   string // local, s3, azure
	LocalPath string
	// S3
	S3Bucket             string
	S3Region             string
	S3Endpoint           string
	S3AccessKey          string
	S3SecretKey          string
	S3UseSSL             bool
	S3PathStyle          bool
	S3MultipartThreshold int64 // Bytes; larger outputs use multipart upload
	S3PartSize           int64
	// Azure Blob Storage
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
	// Retries for remote backends
	MaxRetries   int
	RetryDelayMS int
}

type ShutdownConfig struct {
	TimeoutSeconds int // Grace period for in-flight uploads after a signal
}

// Load loads configuration from defaults, an optional canarc.toml and CANARC_*
// environment variables. A non-empty path names the config file explicitly and
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CANARC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("canarc")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/canarc/")
		v.AddConfigPath("$HOME/.canarc/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	threshold, err := ParseSize(v.GetString("storage.s3_multipart_threshold"))
	if err != nil {
		return nil, fmt.Errorf("invalid storage.s3_multipart_threshold: %w", err)
	}
	partSize, err := ParseSize(v.GetString("storage.s3_part_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid storage.s3_part_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Input: InputConfig{
			TimeResolutionNS: v.GetInt64("input.time_resolution_ns"),
		},
		Databases: splitList(v.GetStringSlice("databases")),
		Output: OutputConfig{
			Compression:     v.GetString("output.compression"),
			UseDictionary:   v.GetBool("output.use_dictionary"),
			WriteStatistics: v.GetBool("output.write_statistics"),
			DataPageVersion: v.GetString("output.data_page_version"),
			RowGroupRows:    v.GetInt("output.row_group_rows"),
			Overwrite:       v.GetBool("output.overwrite"),
		},
		Storage: StorageConfig{
			Backend:              v.GetString("storage.backend"),
			LocalPath:            v.GetString("storage.local_path"),
			S3Bucket:             v.GetString("storage.s3_bucket"),
			S3Region:             v.GetString("storage.s3_region"),
			S3Endpoint:           v.GetString("storage.s3_endpoint"),
			S3AccessKey:          v.GetString("storage.s3_access_key"),
			S3SecretKey:          v.GetString("storage.s3_secret_key"),
			S3UseSSL:             v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:          v.GetBool("storage.s3_path_style"),
			S3MultipartThreshold: threshold,
			S3PartSize:           partSize,

			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),

			MaxRetries:   v.GetInt("storage.max_retries"),
			RetryDelayMS: v.GetInt("storage.retry_delay_ms"),
		},
		Shutdown: ShutdownConfig{
			TimeoutSeconds: v.GetInt("shutdown.timeout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Input defaults
	v.SetDefault("input.time_resolution_ns", 0)

	v.SetDefault("databases", []string{})

	// Output defaults
	v.SetDefault("output.compression", "snappy")
	v.SetDefault("output.use_dictionary", true)
	v.SetDefault("output.write_statistics", true)
	v.SetDefault("output.data_page_version", "2.0")
	v.SetDefault("output.row_group_rows", 1<<20)
	v.SetDefault("output.overwrite", false)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", ".")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.s3_multipart_threshold", "100MB")
	v.SetDefault("storage.s3_part_size", "16MB")
	v.SetDefault("storage.azure_use_managed_identity", false)
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_delay_ms", 200)

	// Shutdown defaults
	v.SetDefault("shutdown.timeout", 30)
}

// splitList flattens comma separated entries, which is how a list arrives
// from a single environment variable.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks option values that would otherwise fail late, after the
// input has already been read.
func (cfg *Config) Validate() error {
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log.format %q (use json or console)", cfg.Log.Format)
	}

	if cfg.Input.TimeResolutionNS < 0 {
		return fmt.Errorf("input.time_resolution_ns cannot be negative: %d", cfg.Input.TimeResolutionNS)
	}

	switch strings.ToLower(cfg.Output.Compression) {
	case "snappy", "gzip", "zstd", "none", "uncompressed":
	default:
		return fmt.Errorf("invalid output.compression %q (use snappy, gzip, zstd or none)", cfg.Output.Compression)
	}
	switch cfg.Output.DataPageVersion {
	case "1.0", "2.0":
	default:
		return fmt.Errorf("invalid output.data_page_version %q (use 1.0 or 2.0)", cfg.Output.DataPageVersion)
	}
	if cfg.Output.RowGroupRows <= 0 {
		return fmt.Errorf("output.row_group_rows must be positive: %d", cfg.Output.RowGroupRows)
	}

	return cfg.Storage.Validate()
}

// Validate checks that the selected backend has what it needs to connect.
func (cfg *StorageConfig) Validate() error {
	switch cfg.Backend {
	case "local":
		if cfg.LocalPath == "" {
			return fmt.Errorf("storage.local_path is required for the local backend")
		}
	case "s3", "minio":
		if cfg.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the %s backend", cfg.Backend)
		}
		if cfg.S3PartSize < 5*1024*1024 {
			return fmt.Errorf("storage.s3_part_size must be at least 5MB")
		}
	case "azure", "azblob":
		if cfg.AzureContainer == "" {
			return fmt.Errorf("storage.azure_container is required for the azure backend")
		}
		if cfg.AzureConnectionString == "" && cfg.AzureAccountName == "" {
			return fmt.Errorf("storage.azure_connection_string or storage.azure_account_name is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries cannot be negative: %d", cfg.MaxRetries)
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			// e.g. the "T" in "1TB"
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
