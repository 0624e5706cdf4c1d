package config

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Env:      "local",
		LogsPath: "escrowd.log",
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Store: StoreConfig{
			DBPath: "~/.escrowd/escrowd.db",
		},
		Escrow: EscrowConfig{
			NodeURL:         "http://localhost:9735",
			SigningAgentURL: "http://localhost:9736",
			OperatorID:      "operator",
		},
		Oracle: OracleConfig{
			Model: "claude-sonnet-4-20250514",
		},
	}
}

// WriteDefault writes the default global configuration to a file
func WriteDefault(path string) error {
	content := `# escrowd configuration
env: local              # local | dev | prod
logs_path: escrowd.log

server:
  listen_addr: ":8080"

store:
  db_path: ~/.escrowd/escrowd.db

# Settlement network
escrow:
  node_url: http://localhost:9735
  signing_agent_url: http://localhost:9736
  operator_id: operator

# Dispute arbitration oracle.
# The API key is read from the ANTHROPIC_API_KEY environment variable; with
# no key set, every dispute resolves to creator_wins.
oracle:
  model: claude-sonnet-4-20250514
`
	return writeFile(path, content)
}
