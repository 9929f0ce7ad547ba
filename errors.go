package derby

import "errors"

var (
	// ErrNetworkNotConfigured is returned when the selected network has no entry in the config.
	ErrNetworkNotConfigured = errors.New("derby: network not configured")

	// ErrInvalidAddress is returned when a contract address is not a 20-byte hex string.
	ErrInvalidAddress = errors.New("derby: invalid address")

	// ErrInvalidConfig is returned when a config value is out of range.
	ErrInvalidConfig = errors.New("derby: invalid config")

	// ErrConfigFormat is returned for config files that are neither YAML nor TOML.
	ErrConfigFormat = errors.New("derby: unsupported config format")

	// ErrAlreadyWatching is returned when starting a second race feed.
	ErrAlreadyWatching = errors.New("derby: race feed already running")

	// ErrShutdown is returned when operating on a shut-down client.
	ErrShutdown = errors.New("derby: client has been shut down")
)
