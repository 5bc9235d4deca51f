// Package config loads process configuration: scalar settings from the
// environment via envconfig, and the host roster / transfer recipe
// collections from YAML files, matching the teacher's config loading style.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds the scalar, env-sourced configuration. Collections (hosts,
// transfers) are loaded separately from YAML since envconfig cannot express
// them cleanly.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogFile    string `envconfig:"LOG_FILE" default:""`
	HostsFile  string `envconfig:"HOSTS_FILE" required:"true"`
	TransfersFile string `envconfig:"TRANSFERS_FILE" required:"true"`
	HistoryDBPath string `envconfig:"HISTORY_DB" default:"history.db"`

	ProbeInterval    int `envconfig:"PROBE_INTERVAL_SECONDS" default:"30"`
	ProbeTimeout     int `envconfig:"PROBE_TIMEOUT_SECONDS" default:"5"`
	FailureThreshold int `envconfig:"FAILURE_THRESHOLD" default:"2"`
	SuccessThreshold int `envconfig:"SUCCESS_THRESHOLD" default:"1"`

	FlushIntervalMillis int `envconfig:"FLUSH_INTERVAL_MILLIS" default:"100"`
	FlushBytes          int `envconfig:"FLUSH_BYTES" default:"4096"`

	ConnectTimeoutSeconds int `envconfig:"CONNECT_TIMEOUT_SECONDS" default:"10"`
	AuthTimeoutSeconds    int `envconfig:"AUTH_TIMEOUT_SECONDS" default:"10"`
	CommandTimeoutSeconds int `envconfig:"COMMAND_TIMEOUT_SECONDS" default:"30"`
	SCPTimeoutSeconds     int `envconfig:"SCP_TIMEOUT_SECONDS" default:"600"`
	CancelDeadlineSeconds int `envconfig:"CANCEL_DEADLINE_SECONDS" default:"5"`
}

// Load reads Settings from the environment under the GATEWAY prefix.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("GATEWAY", &s); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &s, nil
}

// HostEntry is one row of the host roster YAML file.
type HostEntry struct {
	Alias    string `yaml:"alias"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TransferEntry is one row of the transfer-recipe YAML file.
type TransferEntry struct {
	Name       string `yaml:"name"`
	SrcAlias   string `yaml:"src_alias"`
	SrcPath    string `yaml:"src_path"`
	DstAlias   string `yaml:"dst_alias"`
	DstPath    string `yaml:"dst_path"`
}

// LoadHosts parses the host roster YAML file at path.
func LoadHosts(path string) ([]HostEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}
	var wrapper struct {
		Hosts []HostEntry `yaml:"hosts"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	return wrapper.Hosts, nil
}

// LoadTransfers parses the transfer recipe YAML file at path.
func LoadTransfers(path string) ([]TransferEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transfers file %s: %w", path, err)
	}
	var wrapper struct {
		Transfers []TransferEntry `yaml:"transfers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse transfers file %s: %w", path, err)
	}
	return wrapper.Transfers, nil
}
