// Command generate-admin-token mints a bearer token for an admin principal,
// and optionally prints the bcrypt hash of a chosen admin secret for the
// auth.admin_secret_hash config field.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"gasless-bridge/internal/config"
	"gasless-bridge/internal/middleware"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	principal := flag.String("principal", "", "principal to issue the token for")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	hashSecret := flag.String("hash-secret", "", "print the bcrypt hash of this secret and exit")
	flag.Parse()

	if *hashSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashSecret), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	if _, err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *principal == "" {
		log.Fatal("-principal is required")
	}

	token, err := middleware.IssueCallerToken(*principal, "admin", *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
