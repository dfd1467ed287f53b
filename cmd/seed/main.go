// Command seed loads a small development dataset: one onboarded artist, one
// open commission and a handful of billing customers to submit requests with.
// It refuses to run outside the dev environment.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/config"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName+"-seed", cfg.App.Env)

	if cfg.App.Env != "dev" && os.Getenv("NEMU_SEED_CONFIRM") != "yes" {
		logger.Error("refusing to seed outside dev; set NEMU_SEED_CONFIRM=yes to override", "env", cfg.App.Env)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.SSLMode)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	artistUser := uuid.New()
	artistID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO artists (id, user_id, display_name, stripe_account, stripe_customer, onboarded, supporter)
		VALUES ($1, $2, 'inkwell', 'acct_dev_inkwell', 'cus_dev_inkwell', true, false)
		ON CONFLICT (id) DO NOTHING
	`, artistID, artistUser)
	if err != nil {
		logger.Error("seed artist", "error", err)
		os.Exit(1)
	}

	commissionID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO commissions (id, artist_id, title, max_active, max_until_closed, price)
		VALUES ($1, $2, 'Full body illustration', 3, 8, 12000)
		ON CONFLICT (id) DO NOTHING
	`, commissionID, artistID)
	if err != nil {
		logger.Error("seed commission", "error", err)
		os.Exit(1)
	}

	for i := 0; i < 5; i++ {
		buyer := uuid.New()
		_, err = pool.Exec(ctx, `
			INSERT INTO billing_customers (user_id, stripe_customer)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, buyer, fmt.Sprintf("cus_dev_buyer_%d", i))
		if err != nil {
			logger.Error("seed billing customer", "error", err)
			os.Exit(1)
		}
		logger.Info("seeded buyer", "user_id", buyer)
	}

	logger.Info("seed complete", "artist_id", artistID, "commission_id", commissionID)
}
