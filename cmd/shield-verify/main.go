package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"netshield/internal/logging"
)

func main() {
	path := flag.String("log", "netshield_logs/events.jsonl", "Event log to verify")
	flag.Parse()

	secret := os.Getenv(logging.SecretEnvVar)
	if secret == "" {
		log.Fatalf("%s must be set to the secret the log was written with", logging.SecretEnvVar)
	}

	result, err := logging.VerifyEventLog(*path, []byte(secret))
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}

	fmt.Printf("%s: %d lines, %d verified\n", *path, result.Lines, result.Verified)
	if result.OK() {
		fmt.Println("OK: all signatures valid")
		return
	}
	for i, line := range result.BadLines {
		fmt.Printf("BAD line %d: %s\n", line, result.Reasons[i])
	}
	os.Exit(1)
}
