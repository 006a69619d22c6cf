package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"metered_gateway/internal/utils"
)

// init-admin prints the ADMIN_SERVICE_TOKEN_HASH for a service token. The
// token is read from ADMIN_BOOTSTRAP_TOKEN or generated when unset.
func main() {
	fmt.Println("Metered Gateway - Service Token Initialization")
	fmt.Println(strings.Repeat("=", 48))

	serviceName := os.Getenv("ADMIN_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "payments"
	}

	token := os.Getenv("ADMIN_BOOTSTRAP_TOKEN")
	generated := false
	if token == "" {
		var err error
		token, err = generateServiceToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to generate token: %v\n", err)
			os.Exit(1)
		}
		generated = true
	}

	if len(token) < 24 {
		fmt.Fprintf(os.Stderr, "ERROR: Service token must be at least 24 characters long\n")
		os.Exit(1)
	}

	fmt.Println("Hashing service token using Argon2id...")
	hash, err := utils.HashPasswordArgon2(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to hash token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("SUCCESS: Service credential ready")
	fmt.Println(strings.Repeat("=", 48))
	fmt.Printf("ADMIN_SERVICE_NAME=%s\n", serviceName)
	fmt.Printf("ADMIN_SERVICE_TOKEN_HASH=%s\n", hash)
	if generated {
		fmt.Printf("\nService token (shown once): %s\n", token)
	}
	fmt.Println("\nThe service exchanges its token at POST /admin/auth/token for an admin JWT.")
	fmt.Println("IMPORTANT: Store the raw token in the calling service's secret store only.")
}

// generateServiceToken returns a random token of the form st-<64 hex chars>.
func generateServiceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "st-" + hex.EncodeToString(buf), nil
}
