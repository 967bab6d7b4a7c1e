// Package main is the entry point for the realtime load test binary. It
// provides subcommands for different load testing scenarios:
//
//   - saturate: open N idle, joined connections and hold them
//   - chat:     pairs of users exchanging direct messages
//   - presence: users churning online and offline under one observer
//
// Usage:
//
//	loadtest <command> [options]
//
// Users are authenticated with tokens signed by -secret, which must match the
// server's JWT_SECRET. Without DATABASE_URL the server accepts any user id.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "presence":
		runPresence(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N joined idle connections")
	fmt.Println("  chat        Direct message load test, pairs of users send messages to each other")
	fmt.Println("  presence    Presence churn test, measures how fast online changes are broadcast")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
