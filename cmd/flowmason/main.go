package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/flowmason/flowmason/internal/flow/engine"
	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runstate"
	"github.com/flowmason/flowmason/internal/flow/server"
	"github.com/flowmason/flowmason/internal/flow/store"
	"github.com/flowmason/flowmason/internal/flow/validate"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "validate":
		cmdValidate(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowmason validate <flowchart.yaml>")
	fmt.Fprintln(os.Stderr, "  flowmason run [--config <run.yaml>] [--db <path>] <flowchart.yaml>")
	fmt.Fprintln(os.Stderr, "  flowmason status --db <path> <run-id>")
	fmt.Fprintln(os.Stderr, "  flowmason serve [--addr <host:port>] [--config <run.yaml>] [--db <path>]")
}

func cmdValidate(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	f, err := model.LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}

	diags := validate.Validate(f)
	hasError := false
	for _, d := range diags {
		fmt.Printf("%s %s: %s\n", d.Severity, d.Rule, d.Message)
		if d.Severity == validate.SeverityError {
			hasError = true
		}
	}
	if hasError {
		os.Exit(1)
	}
	fmt.Printf("%s: ok (%d nodes, %d connectors)\n", f.ID, len(f.Nodes()), len(f.Connectors()))
}

func cmdRun(args []string) {
	var configPath, dbPath, flowPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			configPath = args[i]
		case "--db":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			dbPath = args[i]
		default:
			if flowPath != "" {
				usage()
				os.Exit(2)
			}
			flowPath = args[i]
		}
	}
	if flowPath == "" {
		usage()
		os.Exit(2)
	}

	f, err := model.LoadFile(flowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}

	cfg := engine.DefaultRunConfig()
	if configPath != "" {
		cfg, err = engine.LoadRunConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
			os.Exit(1)
		}
	}
	if dbPath == "" {
		dbPath = cfg.StoreDSN
	}

	st, closeStore, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	events := engine.NewPublisher(cfg.EventBufferSize)
	defer events.Close()
	tasks := engine.NewSimulatedTaskRunner()
	launcher := &engine.Launcher{
		Config: cfg,
		Store:  st,
		Events: events,
		Tasks:  tasks,
	}
	launcher.Register(f)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := engine.NewCoordinator(ctx, engine.CoordinatorOptions{
		Flowchart: f,
		Config:    cfg,
		Store:     st,
		Events:    events,
		Tasks:     tasks,
		Launcher:  launcher,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}

	sub, cancelSub := events.Subscribe(engine.TopicNodeUpdated, engine.TopicRunUpdated)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			line, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s\n", ev.Topic, line)
		}
	}()

	run, runErr := c.Execute(ctx)
	launcher.Wait()
	cancelSub()
	<-done

	if run != nil {
		fmt.Printf("run %s: %s\n", run.ID, run.Status)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", runErr)
		os.Exit(1)
	}
}

func cmdStatus(args []string) {
	var dbPath, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			dbPath = args[i]
		default:
			if runID != "" {
				usage()
				os.Exit(2)
			}
			runID = args[i]
		}
	}
	if dbPath == "" || runID == "" {
		usage()
		os.Exit(2)
	}

	st, closeStore, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	snap, err := runstate.Build(context.Background(), st, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func cmdServe(args []string) {
	addr := ":8080"
	var configPath, dbPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			addr = args[i]
		case "--config":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			configPath = args[i]
		case "--db":
			i++
			if i >= len(args) {
				usage()
				os.Exit(2)
			}
			dbPath = args[i]
		default:
			usage()
			os.Exit(2)
		}
	}

	cfg := engine.DefaultRunConfig()
	if configPath != "" {
		var err error
		cfg, err = engine.LoadRunConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
			os.Exit(1)
		}
	}
	if dbPath == "" {
		dbPath = cfg.StoreDSN
	}

	st, closeStore, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	srv := server.New(server.Config{Addr: addr, RunConfig: cfg}, server.Options{
		Store: st,
		Tasks: engine.NewSimulatedTaskRunner(),
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "flowmason: %v\n", err)
		os.Exit(1)
	}
}

func openStore(dbPath string) (store.Store, func(), error) {
	if dbPath == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	st, err := store.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, func() { db.Close() }, nil
}
