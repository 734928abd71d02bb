package main

import (
	"fmt"
	"os"
	"time"

	"retroserver/internal/config"
	"retroserver/internal/directory"
)

// RunCLI handles subcommand execution before flag parsing, the way the
// teacher's RunCLI intercepts os.Args[1] ahead of the serve-mode flag set.
// Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("retro-server %s\n", Version)
		return true
	case "ban":
		return cliBan(args[1:])
	default:
		return false
	}
}

// cliBan implements `retro-server ban add|list|rm <config-dir> [args...]`.
// It expects the config directory right after the ban action.
func cliBan(args []string) bool {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: retro-server ban <add|list|rm> <config-dir> [args...]")
		os.Exit(1)
	}
	action, configDir, rest := args[0], args[1], args[2:]

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	dir, err := directory.Open(cfg.ServerDB(), cfg.UserDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening directory: %v\n", err)
		os.Exit(1)
	}
	defer dir.Close()

	switch action {
	case "add":
		return cliBanAdd(dir, rest)
	case "list":
		return cliBanList(dir)
	case "rm":
		return cliBanRemove(dir, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown ban action %q\n", action)
		os.Exit(1)
		return true
	}
}

func cliBanAdd(dir *directory.Directory, args []string) bool {
	var userIDHex, ip, reason string
	var durationMinutes int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-user":
			i++
			userIDHex = args[i]
		case "-ip":
			i++
			ip = args[i]
		case "-reason":
			i++
			reason = args[i]
		case "-minutes":
			i++
			fmt.Sscanf(args[i], "%d", &durationMinutes)
		}
	}
	if userIDHex == "" && ip == "" {
		fmt.Fprintln(os.Stderr, "ban add requires -user <hex> and/or -ip <addr>")
		os.Exit(1)
	}
	var until time.Time
	if durationMinutes > 0 {
		until = time.Now().Add(time.Duration(durationMinutes) * time.Minute)
	}
	if err := dir.AddBan(userIDHex, ip, reason, until); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Ban recorded.")
	return true
}

func cliBanList(dir *directory.Directory) bool {
	bans, err := dir.ListBans()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(bans) == 0 {
		fmt.Println("No bans.")
		return true
	}
	for _, b := range bans {
		until := "permanent"
		if !b.Until.IsZero() {
			until = b.Until.Format(time.RFC3339)
		}
		fmt.Printf("  user=%s ip=%s reason=%q until=%s\n", b.UserIDHex, b.IP, b.Reason, until)
	}
	return true
}

func cliBanRemove(dir *directory.Directory, args []string) bool {
	var userIDHex, ip string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-user":
			i++
			userIDHex = args[i]
		case "-ip":
			i++
			ip = args[i]
		}
	}
	if err := dir.RemoveBan(userIDHex, ip); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Ban removed.")
	return true
}
