package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/FranksOps/tally/cmd/tally/commands"
	_ "github.com/FranksOps/tally/internal/storage/csvbackend"
	_ "github.com/FranksOps/tally/internal/storage/jsonbackend"
	_ "github.com/FranksOps/tally/internal/storage/postgres"
	_ "github.com/FranksOps/tally/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := commands.ExecuteContext(ctx)
	stop()
	os.Exit(code)
}
