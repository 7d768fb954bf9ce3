package main

import (
	"context"
	_ "embed"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"crm-mailer/internal/app"
	"crm-mailer/internal/config"
)

//go:embed config/config.yaml
var configYamlContent []byte

var runFn = run

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	runFn(ctx)
}

func run(ctx context.Context) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.NewFromYamlContent(configYamlContent)
	if err != nil {
		log.Panic(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	runner, err := app.New(cfg, logger)
	if err != nil {
		log.Panic(err)
	}

	runner.Run(ctx)
}
