// Package config loads escrowd configuration: defaults, overlaid by a global
// file, overlaid by a local file, with secrets taken from the environment.
package config

// Config is the root configuration
type Config struct {
	Env      string       `mapstructure:"env" yaml:"env"`
	LogsPath string       `mapstructure:"logs_path" yaml:"logs_path"`
	Server   ServerConfig `mapstructure:"server" yaml:"server"`
	Store    StoreConfig  `mapstructure:"store" yaml:"store"`
	Escrow   EscrowConfig `mapstructure:"escrow" yaml:"escrow"`
	Oracle   OracleConfig `mapstructure:"oracle" yaml:"oracle"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// StoreConfig configures the task database
type StoreConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// EscrowConfig configures the settlement network connection
type EscrowConfig struct {
	NodeURL         string `mapstructure:"node_url" yaml:"node_url"`
	SigningAgentURL string `mapstructure:"signing_agent_url" yaml:"signing_agent_url"`
	OperatorID      string `mapstructure:"operator_id" yaml:"operator_id"`
}

// OracleConfig configures the dispute arbitration oracle. The API key comes
// from the ANTHROPIC_API_KEY environment variable, never from the file.
type OracleConfig struct {
	Model  string `mapstructure:"model" yaml:"model"`
	APIKey string `mapstructure:"-" yaml:"-"`
}
