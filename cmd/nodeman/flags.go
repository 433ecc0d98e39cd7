package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen string // overrides the configured listen address when set
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	DBPath  string
	APIPort uint16
	P2PPort uint16
}

// APIFlags holds daemon connection flags for client-mode commands.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}
