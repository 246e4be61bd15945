package main

// Set at build time with -ldflags "-X main.Version=..."
var (
	Version   = "unknown"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
