package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/goa-durable/example/myworkflow"
	runlogmongo "goa.design/goa-durable/features/runlog/mongo"
	clientsmongo "goa.design/goa-durable/features/runlog/mongo/clients/mongo"
	streampulse "goa.design/goa-durable/features/stream/pulse"
	clientspulse "goa.design/goa-durable/features/stream/pulse/clients/pulse"
	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/host/temporal"
	"goa.design/goa-durable/runtime/durable/registry"
	"goa.design/goa-durable/runtime/durable/runlog"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

type (
	// app holds the services wired from the configuration.
	app struct {
		engine   *temporal.Engine
		registry *registry.Registry
		bus      hooks.Bus
		events   runlog.Store
		pulse    clientspulse.Client
		pingers  []health.Pinger
		closers  []func(context.Context) error
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

// newApp connects the configured backends. Workers are only registered when
// worker is true; client commands reach instances through the default task
// queue.
func newApp(ctx context.Context, cfg config, worker bool) (_ *app, err error) {
	a := &app{bus: hooks.NewBus()}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()
	logger := telemetry.NewClueLogger()

	if cfg.Mongo.URI != "" {
		if err := a.connectMongo(ctx, cfg.Mongo); err != nil {
			return nil, err
		}
	}
	if cfg.Redis.Addr != "" {
		if err := a.connectRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	def := myworkflow.New(myworkflow.Options{
		Logger:  logger,
		Metrics: telemetry.NewOTELMetrics(),
		Tracer:  telemetry.NewOTELTracer(),
		Hooks:   a.bus,
	})
	engine, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		},
		WorkerOptions:          temporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		DisableWorkerAutoStart: !worker,
		StepTimeout:            cfg.Temporal.StepTimeout,
		BaseContext:            ctx,
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.pingers = append(a.pingers, engine)
	a.closers = append(a.closers, func(context.Context) error { return engine.Close() })
	if worker {
		if err := engine.Register(temporal.WorkflowDefinition{Key: def.BindingKey(), Runner: def}); err != nil {
			return nil, err
		}
	}

	opts := []registry.Option{registry.WithLogger(logger)}
	if cfg.CreateRate > 0 {
		opts = append(opts, registry.WithCreateLimiter(rate.NewLimiter(rate.Limit(cfg.CreateRate), 1)))
	}
	reg, err := registry.New(func() host.Env { return a.engine }, []registry.Workflow{def}, opts...)
	if err != nil {
		return nil, err
	}
	a.registry = reg
	return a, nil
}

// connectMongo wires the run log: events published on the bus are appended
// to the Mongo collection.
func (a *app) connectMongo(ctx context.Context, cfg mongoConfig) error {
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	a.closers = append(a.closers, mc.Disconnect)
	cli, err := clientsmongo.New(clientsmongo.Options{
		Client:     mc,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create run log client: %w", err)
	}
	store, err := runlogmongo.NewStore(cli)
	if err != nil {
		return err
	}
	sub, err := runlog.NewSubscriber(store)
	if err != nil {
		return err
	}
	if _, err := a.bus.Register(sub); err != nil {
		return err
	}
	a.events = store
	a.pingers = append(a.pingers, cli)
	log.Print(ctx, log.KV{K: "msg", V: "run log enabled"}, log.KV{K: "database", V: cfg.Database})
	return nil
}

// connectRedis wires the Pulse sink: events published on the bus are added
// to the stream of their instance.
func (a *app) connectRedis(ctx context.Context, cfg redisConfig) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.StreamMaxLen})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pc.Close)
	sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
	if err != nil {
		return err
	}
	if _, err := a.bus.Register(sink); err != nil {
		return err
	}
	a.pulse = pc
	a.pingers = append(a.pingers, redisPinger{rdb: rdb})
	log.Print(ctx, log.KV{K: "msg", V: "event streams enabled"}, log.KV{K: "redis", V: cfg.Addr})
	return nil
}

// checker returns the health checker of the connected backends.
func (a *app) checker() health.Checker {
	return health.NewChecker(a.pingers...)
}

// close releases the backends in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Errorf(ctx, err, "close")
		}
	}
	a.closers = nil
}

func (a *app) requireEvents() error {
	if a.events == nil {
		return errors.New("run log is not configured, set MONGO_URI")
	}
	return nil
}

func (a *app) requirePulse() error {
	if a.pulse == nil {
		return errors.New("event streams are not configured, set REDIS_URL")
	}
	return nil
}

func (p redisPinger) Name() string {
	return "redis"
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
