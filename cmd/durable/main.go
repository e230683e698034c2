// Command durable runs and manages durable workflow instances.
//
// The worker command serves the registered workflows on a Temporal task
// queue. The other commands drive instances through the workflow registry:
//
//	durable [-config file] [-debug] <command> [flags]
//
//	worker                       serve workflows until interrupted
//	create -id ID -params JSON   start an instance of MyWorkflow
//	status -id ID                print the status of an instance
//	pause|resume|terminate|restart -id ID
//	events -id ID [-limit N]     list the run log of an instance
//	watch -id ID                 follow the event stream of an instance
//	run [-name NAME] [-sleep D]  run MyWorkflow in process, no backends
//
// # Configuration
//
// The optional YAML file given with -config is read first. Environment
// variables override it:
//
//	TEMPORAL_HOST_PORT     - Temporal frontend address (default: "localhost:7233")
//	TEMPORAL_NAMESPACE     - Temporal namespace (default: "default")
//	DURABLE_TASK_QUEUE     - Task queue of the workers (default: "durable")
//	DURABLE_STEP_TIMEOUT   - Default timeout of a step attempt (default: "1m")
//	DURABLE_CREATE_RATE    - Instance creations per second, 0 for unlimited
//	DURABLE_HEALTH_ADDR    - Health check listen address (default: ":8081")
//	DURABLE_DEBUG          - Enable debug logs
//	MONGO_URI              - MongoDB URI of the run log (optional)
//	MONGO_DATABASE         - Run log database (default: "durable")
//	MONGO_COLLECTION       - Run log collection (default: "durable_instance_events")
//	MONGO_TIMEOUT          - Run log operation timeout (default: "5s")
//	REDIS_URL              - Redis address of the event streams (optional)
//	REDIS_PASSWORD         - Redis password (optional)
//	REDIS_STREAM_MAX_LEN   - Maximum entries kept per event stream
//
// # Example
//
//	TEMPORAL_HOST_PORT=localhost:7233 MONGO_URI=mongodb://localhost:27017 durable worker
//	durable create -id order-42 -params '{"id":"order-42","name":"Ada"}'
//	durable status -id order-42
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/goa-durable/example/myworkflow"
	streampulse "goa.design/goa-durable/features/stream/pulse"
	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/host/inmem"
	"goa.design/goa-durable/runtime/durable/registry"
	"goa.design/goa-durable/runtime/durable/runlog"
	runloginmem "goa.design/goa-durable/runtime/durable/runlog/inmem"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path of the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Usage = usage
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configF, *dbgF, flag.Args()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(ctx, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-config file] [-debug] worker|create|status|pause|resume|terminate|restart|events|watch|run [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func run(ctx context.Context, configPath string, debug bool, args []string) error {
	if len(args) == 0 {
		usage()
		return flag.ErrHelp
	}
	cmd, args := args[0], args[1:]
	if cmd == "run" {
		if debug {
			ctx = log.Context(ctx, log.WithDebug())
		}
		return runLocal(ctx, args)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	a, err := newApp(ctx, cfg, cmd == "worker")
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	switch cmd {
	case "worker":
		return serve(ctx, a, cfg)
	case "create":
		return create(ctx, a, args)
	case "status", "pause", "resume", "terminate", "restart":
		return manage(ctx, a, cmd, args)
	case "events":
		return listEvents(ctx, a, args)
	case "watch":
		return watch(ctx, a, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// serve runs the workers and the health endpoints until ctx is done.
func serve(ctx context.Context, a *app, cfg config) error {
	a.engine.StartWorkers()
	check := health.Handler(a.checker())
	mux := http.NewServeMux()
	mux.Handle("/healthz", check)
	mux.Handle("/livez", check)
	srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "health checks listening on %s", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Print(ctx, log.KV{K: "msg", V: "serving workflows"}, log.KV{K: "task-queue", V: cfg.Temporal.TaskQueue})

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("health server: %w", err)
	}
	log.Printf(ctx, "shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func create(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	id := fs.String("id", "", "Instance ID, generated when empty")
	raw := fs.String("params", "", "JSON parameters of the instance")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := registry.Typed[myworkflow.Params](a.registry, myworkflow.Tag)
	if err != nil {
		return err
	}
	var params *myworkflow.Params
	if *raw != "" {
		params = &myworkflow.Params{}
		if err := json.Unmarshal([]byte(*raw), params); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}
	inst, err := client.Create(ctx, *id, params)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"id": inst.ID(), "workflow": inst.Workflow()})
}

func manage(ctx context.Context, a *app, op string, args []string) error {
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	id := fs.String("id", "", "Instance ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	inst, err := a.registry.Get(ctx, myworkflow.Tag, *id)
	if err != nil {
		return err
	}
	switch op {
	case "pause":
		err = inst.Pause(ctx)
	case "resume":
		err = inst.Resume(ctx)
	case "terminate":
		err = inst.Terminate(ctx)
	case "restart":
		err = inst.Restart(ctx)
	}
	if err != nil {
		return err
	}
	st, err := inst.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func listEvents(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	id := fs.String("id", "", "Instance ID")
	limit := fs.Int("limit", 100, "Page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireEvents(); err != nil {
		return err
	}
	return printEvents(ctx, a.events, *id, *limit)
}

// watch prints the events of an instance stream until a terminal event
// arrives or ctx is done.
func watch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	id := fs.String("id", "", "Instance ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requirePulse(); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	sub, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: a.pulse, SinkName: "durable_watch"})
	if err != nil {
		return err
	}
	return sub.Follow(ctx, *id, func(e hooks.Event) error { return printJSON(e) })
}

// runLocal runs one instance of MyWorkflow on the in-memory host and prints
// its run log.
func runLocal(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	name := fs.String("name", "", "Name greeted by step2")
	sleep := fs.Duration("sleep", 5*time.Second, "Duration of the durable sleep")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := runloginmem.New()
	sub, err := runlog.NewSubscriber(store)
	if err != nil {
		return err
	}
	bus := hooks.NewBus()
	if _, err := bus.Register(sub); err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	def := myworkflow.New(myworkflow.Options{Logger: logger, Hooks: bus, SleepFor: *sleep})
	h := inmem.New(inmem.WithLogger(logger))
	if err := h.Register(def.BindingKey(), def); err != nil {
		return err
	}
	reg, err := registry.New(func() host.Env { return h }, []registry.Workflow{def}, registry.WithLogger(logger))
	if err != nil {
		return err
	}

	params := myworkflow.Params{ID: "local"}
	if *name != "" {
		params.Name = name
	}
	inst, err := reg.Create(ctx, myworkflow.Tag, registry.CreateOptions{Params: params})
	if err != nil {
		return err
	}
	if err := h.Wait(ctx, inst.ID()); err != nil {
		return err
	}
	st, err := inst.Status(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(st); err != nil {
		return err
	}
	return printEvents(ctx, store, inst.ID(), 100)
}

func printEvents(ctx context.Context, store runlog.Store, id string, limit int) error {
	if id == "" {
		return errors.New("-id is required")
	}
	cursor := ""
	for {
		page, err := store.List(ctx, id, cursor, limit)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			if err := printJSON(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
