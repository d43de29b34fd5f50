package main

import (
	"context"
	"flag"
	"os"
	"time"

	"imobilerepair/internal/config"
	"imobilerepair/internal/db"
	"imobilerepair/internal/domain"
	"imobilerepair/internal/logging"
	"imobilerepair/internal/repository/product"
	"imobilerepair/internal/seed"
)

func main() {
	var filePath string
	flag.StringVar(&filePath, "file", "", "Optional CSV catalog (key,title,price,currency); defaults to the demo catalog")
	flag.Parse()

	cfg, err := config.FromEnv()
	logger := logging.New(logging.Options{Component: "seed", Level: cfg.Log.Level})
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	products := seed.DefaultProducts()
	if filePath != "" {
		products, err = readFile(filePath)
		if err != nil {
			logger.Error("read catalog", "file", filePath, "err", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Error("connect db", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	start := time.Now()
	n, err := seed.Apply(ctx, product.NewPostgres(pool, logger), products)
	if err != nil {
		logger.Error("seed apply", "written", n, "err", err)
		os.Exit(1)
	}
	logger.Info("seed applied", "products", n, "took", time.Since(start).Truncate(time.Millisecond))
}

func readFile(path string) ([]domain.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return seed.ReadCSV(f)
}
