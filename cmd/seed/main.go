package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/argon2"
)

const (
	demoBuyer  = "alice.catch.near"
	demoSeller = "bob.catch.near"
	treasury   = "treasury.catch.near"
)

func main() {
	env := getEnv("CATCH_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CATCH_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledger := mustConnect(ctx, getEnv("LEDGER_DB", "catch_ledger"))
	defer ledger.Close()
	registry := mustConnect(ctx, getEnv("REGISTRY_DB", "catch_registry"))
	defer registry.Close()
	settlement := mustConnect(ctx, getEnv("SETTLEMENT_DB", "catch_settlement"))
	defer settlement.Close()

	fmt.Println("Seeding databases...")

	if err := seedCredentials(ctx, ledger); err != nil {
		log.Fatalf("seed credentials: %v", err)
	}
	fmt.Println("✓ Demo credentials seeded")

	if err := seedBalances(ctx, ledger); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Token balances seeded")

	if err := seedSupply(ctx, ledger); err != nil {
		log.Fatalf("seed supply: %v", err)
	}
	fmt.Println("✓ Supply counters seeded")

	tokenID, err := seedAchievements(ctx, registry)
	if err != nil {
		log.Fatalf("seed achievements: %v", err)
	}
	fmt.Println("✓ Achievement NFTs seeded")

	if err := seedListing(ctx, settlement, registry, tokenID); err != nil {
		log.Fatalf("seed listing: %v", err)
	}
	fmt.Println("✓ Demo listing seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Accounts:")
	fmt.Printf("  %s  password: alice123\n", demoBuyer)
	fmt.Printf("  %s  password: bob123\n", demoSeller)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func mustConnect(ctx context.Context, db string) *pgxpool.Pool {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "catch")
	password := getEnv("POSTGRES_PASSWORD", "catch")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect %s: %v", db, err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping %s: %v", db, err)
	}
	return pool
}

type argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func hashPassword(password string, params argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash)
	return encoded, nil
}

// seedCredentials writes dev login hashes for the identity gateway. The
// platform services themselves only ever see signed JWTs.
func seedCredentials(ctx context.Context, pool *pgxpool.Pool) error {
	params := argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}

	logins := map[string]string{
		demoBuyer:  "alice123",
		demoSeller: "bob123",
	}

	now := time.Now().UTC()
	for account, password := range logins {
		hash, err := hashPassword(password, params)
		if err != nil {
			return fmt.Errorf("hash %s: %w", account, err)
		}
		_, err = pool.Exec(ctx, `
			INSERT INTO account_credentials (account_id, password_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (account_id) DO UPDATE
			SET password_hash = EXCLUDED.password_hash,
			    updated_at = EXCLUDED.updated_at
		`, account, hash, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedBalances(ctx context.Context, pool *pgxpool.Pool) error {
	balances := map[string]string{
		demoBuyer:  "1000",
		demoSeller: "250",
		treasury:   "100000",
	}

	for account, balance := range balances {
		_, err := pool.Exec(ctx, `
			INSERT INTO ft_accounts (account_id, balance, reserved)
			VALUES ($1, $2, 0)
			ON CONFLICT (account_id) DO UPDATE
			SET balance = EXCLUDED.balance, reserved = 0
		`, account, balance)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedSupply(ctx context.Context, pool *pgxpool.Pool) error {
	total := decimal.NewFromInt(101250)
	_, err := pool.Exec(ctx, `
		INSERT INTO ft_supply (id, minted, burned, updated_at)
		VALUES (1, $1, 0, $2)
		ON CONFLICT (id) DO UPDATE
		SET minted = EXCLUDED.minted, burned = 0, updated_at = EXCLUDED.updated_at
	`, total, time.Now().UTC())
	return err
}

func seedAchievements(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	achievements := []struct {
		tokenID     string
		owner       string
		metadataRef string
		kind        string
	}{
		{"seed-first-catch-1", demoSeller, "ipfs://catch/achievements/first-catch", "trophy"},
		{"seed-early-adopter-1", demoBuyer, "ipfs://catch/achievements/early-adopter", "badge"},
	}

	now := time.Now().UTC()
	for _, a := range achievements {
		_, err := pool.Exec(ctx, `
			INSERT INTO nfts (token_id, owner_id, metadata_ref, achievement_kind, lock_state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'free', $5, $5)
			ON CONFLICT (token_id) DO NOTHING
		`, a.tokenID, a.owner, a.metadataRef, a.kind, now)
		if err != nil {
			return "", err
		}
	}
	return achievements[0].tokenID, nil
}

// seedListing opens one demo listing and marks its token Listed, the same two
// records the live flow would produce.
func seedListing(ctx context.Context, settlement, registry *pgxpool.Pool, tokenID string) error {
	listingID := uuid.MustParse("00000000-0000-0000-0000-000000000301")
	now := time.Now().UTC()

	_, err := settlement.Exec(ctx, `
		INSERT INTO listings (id, token_id, seller, price, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'CATCH', 'listed', $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, listingID, tokenID, demoSeller, decimal.NewFromInt(25), now)
	if err != nil {
		return err
	}

	_, err = registry.Exec(ctx, `
		UPDATE nfts SET lock_state = 'listed', updated_at = $1
		WHERE token_id = $2 AND lock_state = 'free'
	`, now, tokenID)
	return err
}
