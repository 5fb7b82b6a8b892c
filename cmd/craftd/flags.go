package main

import "time"

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Grace      time.Duration
}

type ServersFlags struct {
	ConfigPath string
}

type BackupCreateFlags struct {
	ConfigPath string
	Server     string
	Comment    string
	Snapshot   bool
	Wait       time.Duration
}

type BackupListFlags struct {
	ConfigPath string
	Server     string
}

// BackupIDFlags serves restore, delete and verify, which all address a
// single backup by its id.
type BackupIDFlags struct {
	ConfigPath string
	ID         string
}

type BackupPruneFlags struct {
	ConfigPath string
	Server     string
}
