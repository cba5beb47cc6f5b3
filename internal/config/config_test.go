package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// emptyDir moves the test into a directory without a canarc.toml.
func emptyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	emptyDir(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Input.TimeResolutionNS != 0 {
		t.Errorf("Input.TimeResolutionNS = %d, want 0", cfg.Input.TimeResolutionNS)
	}
	if len(cfg.Databases) != 0 {
		t.Errorf("Databases = %v, want empty", cfg.Databases)
	}
	if cfg.Output.Compression != "snappy" {
		t.Errorf("Output.Compression = %s, want snappy", cfg.Output.Compression)
	}
	if cfg.Output.DataPageVersion != "2.0" {
		t.Errorf("Output.DataPageVersion = %s, want 2.0", cfg.Output.DataPageVersion)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("Storage.Backend = %s, want local", cfg.Storage.Backend)
	}
	if cfg.Storage.S3MultipartThreshold != 100*1024*1024 {
		t.Errorf("Storage.S3MultipartThreshold = %d, want 100MB", cfg.Storage.S3MultipartThreshold)
	}
	if cfg.Shutdown.TimeoutSeconds != 30 {
		t.Errorf("Shutdown.TimeoutSeconds = %d, want 30", cfg.Shutdown.TimeoutSeconds)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	emptyDir(t)

	t.Setenv("CANARC_INPUT_TIME_RESOLUTION_NS", "1000000")
	t.Setenv("CANARC_OUTPUT_COMPRESSION", "zstd")
	t.Setenv("CANARC_DATABASES", "0=powertrain.dbc,body.dbc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Input.TimeResolutionNS != 1_000_000 {
		t.Errorf("Input.TimeResolutionNS = %d, want 1000000 (from env)", cfg.Input.TimeResolutionNS)
	}
	if cfg.Output.Compression != "zstd" {
		t.Errorf("Output.Compression = %s, want zstd (from env)", cfg.Output.Compression)
	}
	want := []string{"0=powertrain.dbc", "body.dbc"}
	if !reflect.DeepEqual(cfg.Databases, want) {
		t.Errorf("Databases = %v, want %v", cfg.Databases, want)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := emptyDir(t)
	content := `
databases = ["1=chassis.dbc", "powertrain.dbc"]

[log]
format = "json"

[output]
row_group_rows = 5000

[storage]
backend = "s3"
s3_bucket = "logs"
s3_part_size = "8MB"
`
	if err := os.WriteFile(filepath.Join(dir, "canarc.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Output.RowGroupRows != 5000 {
		t.Errorf("Output.RowGroupRows = %d, want 5000", cfg.Output.RowGroupRows)
	}
	if cfg.Storage.S3Bucket != "logs" || cfg.Storage.S3PartSize != 8*1024*1024 {
		t.Errorf("Storage = %+v, want bucket logs with 8MB parts", cfg.Storage)
	}
	if len(cfg.Databases) != 2 || cfg.Databases[0] != "1=chassis.dbc" {
		t.Errorf("Databases = %v", cfg.Databases)
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := emptyDir(t)
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("[shutdown]\ntimeout = 5\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", path, err)
	}
	if cfg.Shutdown.TimeoutSeconds != 5 {
		t.Errorf("Shutdown.TimeoutSeconds = %d, want 5", cfg.Shutdown.TimeoutSeconds)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
		want  string
	}{
		{"CANARC_OUTPUT_COMPRESSION", "lz4", "output.compression"},
		{"CANARC_OUTPUT_DATA_PAGE_VERSION", "3.0", "output.data_page_version"},
		{"CANARC_INPUT_TIME_RESOLUTION_NS", "-1", "time_resolution_ns"},
		{"CANARC_LOG_FORMAT", "xml", "log.format"},
		{"CANARC_STORAGE_BACKEND", "ftp", "unsupported storage backend"},
		{"CANARC_STORAGE_S3_MULTIPART_THRESHOLD", "1TB", "s3_multipart_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			emptyDir(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load("")
			if err == nil {
				t.Fatalf("Load() with %s=%s should fail", tt.env, tt.value)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{"local", StorageConfig{Backend: "local", LocalPath: "/tmp"}, false},
		{"local without path", StorageConfig{Backend: "local"}, true},
		{"s3", StorageConfig{Backend: "s3", S3Bucket: "b", S3PartSize: 16 << 20}, false},
		{"s3 without bucket", StorageConfig{Backend: "s3", S3PartSize: 16 << 20}, true},
		{"s3 part too small", StorageConfig{Backend: "s3", S3Bucket: "b", S3PartSize: 1 << 20}, true},
		{"azure connection string", StorageConfig{Backend: "azure", AzureContainer: "c", AzureConnectionString: "x"}, false},
		{"azure account", StorageConfig{Backend: "azblob", AzureContainer: "c", AzureAccountName: "acct"}, false},
		{"azure without credentials", StorageConfig{Backend: "azure", AzureContainer: "c"}, true},
		{"negative retries", StorageConfig{Backend: "local", LocalPath: ".", MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"100MB", 100 * 1024 * 1024, false},
		{"16mb", 16 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"1.5KB", 1536, false},
		{"512B", 512, false},
		{"4096", 4096, false},
		{" 2 MB ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
