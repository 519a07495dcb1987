package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/codegraph-triangulation/internal/app"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/manifest"
)

type rootList []string

func (l *rootList) String() string { return strings.Join(*l, ",") }
func (l *rootList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var roots rootList
	var dryRun bool
	flag.Var(&roots, "root", "repository root to analyze (repeatable)")
	flag.BoolVar(&dryRun, "dry-run", false, "list matching source files without creating a run")
	flag.Parse()
	for _, arg := range flag.Args() {
		_ = roots.Set(arg)
	}
	if len(roots) == 0 {
		fmt.Println("no -root provided")
		os.Exit(2)
	}

	ctx := context.Background()
	application, err := app.New(ctx)
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	failed := false
	for _, root := range roots {
		if dryRun {
			files, err := manifest.NewWalker(application.Cfg.Extensions, application.Cfg.MaxFileBytes).Walk(ctx, root)
			if err != nil {
				fmt.Printf("walk %s: %v\n", root, err)
				failed = true
				continue
			}
			for _, f := range files {
				fmt.Println(f.Path)
			}
			fmt.Printf("%s: %d files\n", root, len(files))
			continue
		}
		run, plan, err := application.Plan(ctx, root)
		if err != nil {
			fmt.Printf("plan %s: %v\n", root, err)
			failed = true
			continue
		}
		fmt.Printf("run %s root=%s relationships=%d jobs=%d deadline=%v\n",
			run.ID, root, len(plan.Manifest.RelationshipEvidenceMap), len(plan.Manifest.JobGraph.All()), run.Deadline)
	}
	if failed {
		application.Close()
		os.Exit(1)
	}
}
