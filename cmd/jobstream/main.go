package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/jobstream/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		application.Log.Error("Engine exited with error", "error", err)
		os.Exit(1)
	}
}
