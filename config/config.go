// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads imprint's settings from
// $XDG_CONFIG_HOME/imprint/config.yaml and the IMPRINT_* environment
// variables, which take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/imaging"
	"github.com/mmp/imprint/pipeline"
	"github.com/mmp/imprint/util"
)

const (
	DirName  = "imprint"
	FileName = "config.yaml"

	EnvConfig      = "IMPRINT_CONFIG"
	EnvCompression = "IMPRINT_COMPRESSION"
	EnvChunkMB     = "IMPRINT_CHUNK_MB"
	EnvWorkDir     = "IMPRINT_WORK_DIR"
	EnvGCSBucket   = "IMPRINT_GCS_BUCKET"
)

type GCS struct {
	Bucket   string `yaml:"bucket,omitempty"`
	Project  string `yaml:"project,omitempty"`
	Location string `yaml:"location,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	// Endpoint overrides the JSON API endpoint, for an emulator; requests
	// to it are not authenticated.
	Endpoint string `yaml:"endpoint,omitempty"`
	// Zero means unlimited.
	MaxUploadBytesPerSecond   int `yaml:"max_upload_bytes_per_second,omitempty"`
	MaxDownloadBytesPerSecond int `yaml:"max_download_bytes_per_second,omitempty"`
}

type Config struct {
	Compression string `yaml:"compression"`
	ChunkSizeMB int    `yaml:"chunk_size_mb"`
	BackupDir   string `yaml:"backup_dir,omitempty"`
	WorkDir     string `yaml:"work_dir"`
	// EscalationHelper runs the backend as root. Empty means pkexec,
	// and only when someone is at the terminal to authenticate.
	EscalationHelper string `yaml:"escalation_helper"`
	MetricsTextfile  string `yaml:"metrics_textfile,omitempty"`
	GCS              GCS    `yaml:"gcs,omitempty"`

	path string
}

func Default() *Config {
	return &Config{
		Compression: codec.Default,
		WorkDir:     pipeline.DefaultWorkDir,
	}
}

// Path returns where the configuration lives.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, DirName, FileName)
}

// Load reads the configuration from Path. A missing file just means the
// defaults.
func Load(log *util.Logger) (*Config, error) {
	return LoadFrom(Path(), log)
}

func LoadFrom(path string, log *util.Logger) (*Config, error) {
	c := Default()
	c.path = path

	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if !codec.Known(c.Compression) {
		log.Warning("%s: unknown compression %q; using %s", path, c.Compression, codec.Default)
		c.Compression = codec.Default
	}
	if c.ChunkSizeMB < 0 {
		log.Warning("%s: negative chunk size %d; not chunking", path, c.ChunkSizeMB)
		c.ChunkSizeMB = 0
	}
	if c.WorkDir == "" {
		c.WorkDir = pipeline.DefaultWorkDir
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvCompression); v != "" {
		c.Compression = v
	}
	if v := os.Getenv(EnvChunkMB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvChunkMB, err)
		}
		c.ChunkSizeMB = n
	}
	if v := os.Getenv(EnvWorkDir); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv(EnvGCSBucket); v != "" {
		c.GCS.Bucket = v
	}
	return nil
}

// Save writes the configuration back. A configuration directory that
// can't be written (a live system booted from read-only media, say) is
// not an error.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = Path()
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		if readOnly(err) {
			return nil
		}
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		if readOnly(err) {
			return nil
		}
		return err
	}
	return os.Rename(tmp, path)
}

func readOnly(err error) bool {
	return errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EROFS)
}

// Options returns the engine settings for one invocation.
func (c *Config) Options(privileged, unattended bool) imaging.Options {
	return imaging.Options{
		Privileged: privileged,
		Helper:     c.EscalationHelper,
		Unattended: unattended,
		WorkDir:    c.WorkDir,
	}
}
