// Package config handles configuration loading for ant-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Unset fields receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order), see DefaultPath:
//
//  1. Path from ANT_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/ant/gateway.yaml
//
// A path ending in .toml is parsed as TOML; anything else is parsed as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	ledger:
//	  token: "${ALBY_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Every timeout uses Go's time.ParseDuration syntax and must be positive:
//
//	resolver:
//	  timeout: "10s"
//	ledger:
//	  timeout: "10s"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "127.0.0.1:5000"
//	database:
//	  path: "./ant.db"
//	sessions:
//	  capacity: 1000          # LRU bound on live conversations
//
// Capability acquisition:
//
//	resolver:
//	  timeout: "10s"
//	  max_body_bytes: 1048576
//	  allowed_hosts: ["*.fewsats.com", "localhost"]
//	  version_constraint: ">= 1.0"
//	synthesizer:
//	  model: "gpt-4o-mini"
//	  timeout: "60s"
//	loader:
//	  artifact_dir: ".funcs"
//	  call_timeout: "30s"
//	  allowed_imports: ["fmt", "strings", "encoding/json"]
//
// Language model, wallet and rates:
//
//	llm:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o"
//	  max_steps: 10
//	l402:
//	  payer_url: "https://api.getalby.com"
//	  payer_token: "${ALBY_TOKEN}"
//	ledger:
//	  url: "https://api.getalby.com"
//	  token: "${ALBY_TOKEN}"
//	rates:
//	  url: "https://api.coinbase.com/v2/prices"
//	  pair: "BTC-USD"
//
// Logging and API auth:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	auth:
//	  jwt_secret: "${ANT_JWT_SECRET}"   # empty leaves the API open
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
