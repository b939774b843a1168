package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ImThienz/BlockChain/internal/config"
)

// Seed the accounts table from the provisioning file. Roles and
// credentials stay in the file (the server reads them at startup); this
// only creates the custodial balances. Existing accounts are left alone so
// reseeding never clobbers live balances.
func main() {
	accountsFile := flag.String("accounts", "accounts.yaml", "path to the provisioning file")
	flag.Parse()

	ctx := context.Background()

	connString := os.Getenv("DB_SOURCE")
	if connString == "" {
		fmt.Fprintln(os.Stderr, "DB_SOURCE environment variable is required")
		os.Exit(1)
	}

	provisioning, err := config.LoadProvisioning(*accountsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load provisioning: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	created := 0
	for _, account := range provisioning.Accounts {
		tag, err := pool.Exec(ctx,
			"INSERT INTO accounts (identity, balance) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING",
			account.Identity, account.OpeningBalance)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed account %s: %v\n", account.Identity, err)
			os.Exit(1)
		}
		if tag.RowsAffected() > 0 {
			created++
			fmt.Printf("created account %s (%s) with balance %d\n",
				account.Identity, account.Role, account.OpeningBalance)
		}
	}

	fmt.Printf("seeded %d of %d accounts\n", created, len(provisioning.Accounts))
}
