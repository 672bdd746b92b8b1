// Command keygen issues API key material and admin tokens offline.
//
// Without -admin-token it prints a new secret, its display prefix and the
// lookup hash under the configured salt. With -admin-token it prints a signed
// bearer token for the admin API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/tjfontaine/llm-meter-gateway/internal/admin"
	"github.com/tjfontaine/llm-meter-gateway/internal/config"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	env := flag.String("env", "", "key environment: live, test, staging or development (default from config)")
	adminToken := flag.Bool("admin-token", false, "print a signed admin API token instead of a key")
	subject := flag.String("subject", "operator", "admin token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "admin token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}

	if *adminToken {
		auth, err := admin.NewAuthenticator(cfg.Security.Admin.JWTSecret, cfg.Security.Admin.Issuer)
		if err != nil {
			fail(err)
		}
		now := time.Now()
		token, err := auth.Sign(admin.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		}})
		if err != nil {
			fail(err)
		}
		fmt.Println(token)
		return
	}

	if *env == "" {
		*env = cfg.Security.KeyEnvironment
	}
	e, err := credential.ParseEnvironment(*env)
	if err != nil {
		fail(err)
	}
	hasher, err := credential.NewHasher(cfg.Security.KeySalt)
	if err != nil {
		fail(err)
	}
	secret, err := credential.GenerateSecret(e)
	if err != nil {
		fail(err)
	}

	fmt.Printf("Secret: %s\n", secret)
	fmt.Printf("Prefix: %s\n", credential.DisplayPrefix(secret))
	fmt.Printf("Hash:   %s\n", hasher.Hash(secret))
	fmt.Println("\nThe secret is shown once. Store only the hash.")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
	os.Exit(1)
}
