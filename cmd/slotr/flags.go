package main

import "time"

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Username   string
	Password   string
}

// Flag structs decouple cobra from logic for testing.

type StartFlags struct {
	Slot    string
	Cmd     string
	Args    []string
	WorkDir string
	Env     []string
}

type StatusFlags struct {
	Slot     string
	Match    string
	Detailed bool
}

type TailFlags struct {
	Slot     string
	Lines    int
	Follow   bool
	Interval time.Duration
}

type LogFlags struct {
	Slot   string
	Output string
}

type HashPasswordFlags struct {
	Cost int
}

type InitFlags struct {
	Template string
	Format   string
	Output   string
	Force    bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
