// cmd/gentoken — issues tenant session tokens and admin key hashes for
// local development. Production tokens come from the dashboard auth service;
// this tool exists so a dev environment never needs one.
//
// Usage:
//
//	go run ./cmd/gentoken -tenant tenant_acme
//	go run ./cmd/gentoken -tenant tenant_ops -role admin
//	go run ./cmd/gentoken -hash-admin-key s3cret
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/canopyhq/canopy/internal/auth"
)

func main() {
	var (
		tenant   = flag.String("tenant", "", "tenant id to issue a token for")
		role     = flag.String("role", "", `token role ("admin" grants cross-tenant access)`)
		secret   = flag.String("secret", "", "HS256 signing secret (defaults to $CANOPY_TOKEN_SECRET)")
		issuer   = flag.String("issuer", "https://canopy.site", "token issuer claim")
		ttl      = flag.Duration("ttl", 24*time.Hour, "token lifetime")
		adminKey = flag.String("hash-admin-key", "", "print the bcrypt hash for an admin key and exit")
	)
	flag.Parse()

	if err := run(*tenant, *role, *secret, *issuer, *ttl, *adminKey); err != nil {
		fmt.Fprintf(os.Stderr, "gentoken: %v\n", err)
		os.Exit(1)
	}
}

func run(tenant, role, secret, issuer string, ttl time.Duration, adminKey string) error {
	if adminKey != "" {
		hash, err := auth.HashAdminKey(adminKey)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	if tenant == "" {
		return fmt.Errorf("-tenant is required (or use -hash-admin-key)")
	}
	if secret == "" {
		secret = os.Getenv("CANOPY_TOKEN_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: pass -secret or set CANOPY_TOKEN_SECRET")
	}

	token, err := auth.NewTokenService(secret, issuer, ttl).Issue(tenant, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
