package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yungbote/codegraph-triangulation/internal/app"
	"github.com/yungbote/codegraph-triangulation/internal/platform/envutil"
)

func main() {
	var roleList string
	flag.StringVar(&roleList, "roles", envutil.String("ROLES", "all"),
		"comma-separated roles to run: api, worker, relay, coordinator, supervisor, graph, all")
	flag.Parse()

	roles, err := app.ParseRoles(roleList)
	if err != nil {
		fmt.Printf("parse roles: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx)
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	if err := application.Run(ctx, roles); err != nil {
		application.Log.Error("app stopped with error", "error", err)
		application.Close()
		os.Exit(1)
	}
	application.Log.Info("shutdown complete")
}
