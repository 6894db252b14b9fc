package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/models"
)

type fill struct {
	user   string
	symbol string
	side   models.Side
	qty    int64
	price  string
}

// Demo history: each fill is placed and settled like a market order at a
// fixed price.
var fills = []fill{
	{"trader1", "AAPL", models.SideBuy, 10, "182.50"},
	{"trader1", "MSFT", models.SideBuy, 5, "410.10"},
	{"trader1", "AAPL", models.SideSell, 4, "189.00"},
	{"trader2", "TSLA", models.SideBuy, 8, "245.30"},
	{"trader2", "NVDA", models.SideBuy, 3, "880.00"},
}

// Seed the database with demo accounts, instruments and a few settled trades
func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	password := flag.String("password", "password123", "password for the demo accounts")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	database, err := db.NewDB(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close(ctx)

	if cfg.Store.Migrations != "" {
		migration, err := os.ReadFile(cfg.Store.Migrations)
		if err != nil {
			logger.Error("failed to read migration", "path", cfg.Store.Migrations, "error", err)
			os.Exit(1)
		}
		if err := database.Migrate(ctx, string(migration)); err != nil {
			logger.Error("failed to migrate", "error", err)
			os.Exit(1)
		}
	}

	trades, err := database.GetAllTrades(ctx)
	if err != nil {
		logger.Error("failed to check trades", "error", err)
		os.Exit(1)
	}
	if len(trades) > 0 {
		logger.Info("database already seeded", "trades", len(trades))
		return
	}

	authService := auth.NewAuthService(database, auth.Config{
		Secret:         []byte(cfg.Auth.JWTSecret),
		InitialBalance: cfg.Accounts.InitialBalance,
	})

	users := map[string]int{}
	for _, name := range []string{"trader1", "trader2"} {
		user, err := authService.Register(ctx, name, *password)
		if errors.Is(err, models.ErrUserExists) {
			user, err = database.GetUserByUsername(ctx, name)
		}
		if err != nil {
			logger.Error("failed to create user", "username", name, "error", err)
			os.Exit(1)
		}
		users[name] = user.ID
	}

	for _, f := range fills {
		inst, err := database.UpsertInstrument(ctx, f.symbol)
		if err != nil {
			logger.Error("failed to create instrument", "symbol", f.symbol, "error", err)
			os.Exit(1)
		}
		order, err := database.CreateOrder(ctx, &models.Order{
			UserID:       users[f.user],
			InstrumentID: inst.ID,
			Symbol:       inst.Symbol,
			Side:         f.side,
			Type:         models.OrderTypeMarket,
			Quantity:     f.qty,
		})
		if err != nil {
			logger.Error("failed to create order", "error", err)
			os.Exit(1)
		}
		trade, err := database.Settle(ctx, *order, decimal.RequireFromString(f.price))
		if err != nil {
			logger.Error("failed to settle order", "order_id", order.ID, "error", err)
			os.Exit(1)
		}
		logger.Info("seeded trade", "user", f.user, "symbol", f.symbol, "side", f.side,
			"quantity", f.qty, "price", trade.Price)
	}

	logger.Info("successfully seeded the database", "users", len(users), "trades", len(fills))
}
