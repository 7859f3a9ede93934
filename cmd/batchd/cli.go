package main

import (
	"flag"
	"time"
)

// Options holds CLI options for the server.
type Options struct {
	ConfigPath string
	Delay      time.Duration
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("batchd", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.DurationVar(&opts.Delay, "delay", 0, "Artificial per-item delay for the built-in echo handler")
	_ = fs.Parse(args)
	return opts
}
