package temporal

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

// DefaultStepTimeout bounds a single step attempt when neither the step nor
// Options.StepTimeout set one.
const DefaultStepTimeout = time.Minute

type (
	// Options configures the Temporal engine. Either a pre-configured Client
	// or ClientOptions must be provided.
	Options struct {
		// Client is an existing Temporal client. The engine does not close
		// it. When nil, a lazy client is dialed from ClientOptions with the
		// OTEL interceptors installed.
		Client client.Client
		// ClientOptions dial the client when Client is nil.
		ClientOptions *client.Options
		// WorkerOptions name the default task queue of the workflows.
		WorkerOptions WorkerOptions
		// OTEL configures tracing and metrics of the client and workers.
		OTEL OTELOptions
		// DisableWorkerAutoStart keeps the workers stopped until
		// StartWorkers is called. Otherwise they start on the first Create.
		DisableWorkerAutoStart bool
		// StepTimeout bounds step attempts that do not set a timeout.
		// Defaults to DefaultStepTimeout.
		StepTimeout time.Duration
		// BaseContext carries the logger, baggage and span context merged into
		// the contexts of workflow runs and step attempts. Defaults to
		// context.Background().
		BaseContext context.Context
		// Logger emits engine and worker logs. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// WorkerOptions configures the per queue workers of the engine.
	WorkerOptions struct {
		// TaskQueue serves the workflows registered without a queue. Required.
		TaskQueue string
		// Options are passed to worker.New.
		Options worker.Options
	}

	// Runner executes one invocation of a workflow body. *durable.Definition
	// implements it.
	Runner interface {
		Run(ctx context.Context, event host.Event, ctrl host.StepController) error
	}

	// WorkflowDefinition binds a Runner to a key.
	WorkflowDefinition struct {
		// Key is both the binding key and the Temporal workflow type name.
		Key string
		// TaskQueue overrides the engine default queue.
		TaskQueue string
		// Runner runs the workflow body.
		Runner Runner
	}

	// Engine runs durable workflows on Temporal. It implements host.Env.
	//
	// All methods are safe for concurrent use.
	Engine struct {
		client      client.Client
		ownsClient  bool
		queue       string
		workerOpts  worker.Options
		autoStart   bool
		stepTimeout time.Duration
		baseCtx     context.Context
		logger      telemetry.Logger

		mu       sync.Mutex
		pollers  map[string]*queuePoller // task queue -> poller
		bindings map[string]string       // workflow key -> task queue
		running  bool
	}

	// queuePoller is the worker of one task queue.
	queuePoller struct {
		queue  string
		w      worker.Worker
		logger telemetry.Logger
		once   sync.Once
	}
)

// New constructs a Temporal engine.
func New(opts Options) (*Engine, error) {
	if opts.WorkerOptions.TaskQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	if opts.Client == nil && opts.ClientOptions == nil {
		return nil, errors.New("temporal engine: client options are required when Client is nil")
	}
	otel, err := newOTELHooks(opts.OTEL)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		client:      opts.Client,
		queue:       opts.WorkerOptions.TaskQueue,
		workerOpts:  otel.worker(opts.WorkerOptions.Options),
		autoStart:   !opts.DisableWorkerAutoStart,
		stepTimeout: cmp.Or(opts.StepTimeout, DefaultStepTimeout),
		baseCtx:     context.Background(),
		logger:      opts.Logger,
		pollers:     make(map[string]*queuePoller),
		bindings:    make(map[string]string),
	}
	if opts.BaseContext != nil {
		e.baseCtx = context.WithoutCancel(opts.BaseContext)
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.stepTimeout < 0 {
		e.stepTimeout = DefaultStepTimeout
	}
	if e.client == nil {
		if e.client, err = client.NewLazyClient(otel.client(*opts.ClientOptions)); err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		e.ownsClient = true
	}
	return e, nil
}

// Register adds def to the worker of its task queue. A key can only be
// registered once.
func (e *Engine) Register(def WorkflowDefinition) error {
	switch {
	case def.Key == "":
		return errors.New("temporal engine: workflow key cannot be empty")
	case def.Runner == nil:
		return fmt.Errorf("temporal engine: workflow %q has no runner", def.Key)
	}
	queue := cmp.Or(def.TaskQueue, e.queue)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.bindings[def.Key]; dup {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Key)
	}
	e.bindings[def.Key] = queue
	p, ok := e.pollers[queue]
	if !ok {
		p = &queuePoller{queue: queue, w: worker.New(e.client, queue, e.workerOpts), logger: e.logger}
		e.pollers[queue] = p
	}
	p.w.RegisterWorkflowWithOptions(e.workflowFunc(def.Runner), workflow.RegisterOptions{Name: def.Key})
	if e.running {
		p.run()
	}
	return nil
}

// Binding implements host.Env. Bindings of keys that were not registered on
// this engine target the default task queue, so client-only processes can
// manage instances served by other workers.
func (e *Engine) Binding(key string) (host.Binding, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", host.ErrBindingNotFound)
	}
	e.mu.Lock()
	queue, ok := e.bindings[key]
	e.mu.Unlock()
	if !ok {
		queue = e.queue
	}
	return &binding{engine: e, key: key, queue: queue}, nil
}

// Name implements health.Pinger.
func (e *Engine) Name() string {
	return "temporal"
}

// Ping implements health.Pinger by checking the health of the Temporal
// frontend.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return fmt.Errorf("temporal engine: check health: %w", err)
	}
	return nil
}

// StartWorkers starts polling the task queues of the registered workflows.
// Queues of workflows registered afterwards start polling right away.
func (e *Engine) StartWorkers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	for _, p := range e.pollers {
		p.run()
	}
}

// StopWorkers stops all workers. Stopped workers cannot be started again.
func (e *Engine) StopWorkers() {
	e.mu.Lock()
	pollers := make([]*queuePoller, 0, len(e.pollers))
	for _, p := range e.pollers {
		pollers = append(pollers, p)
	}
	e.mu.Unlock()
	for _, p := range pollers {
		p.w.Stop()
	}
}

// Close stops the workers and closes the Temporal client if the engine
// created it.
func (e *Engine) Close() error {
	e.StopWorkers()
	if e.ownsClient {
		e.client.Close()
	}
	return nil
}

// workflowFunc adapts r to a Temporal workflow function.
func (e *Engine) workflowFunc(r Runner) func(workflow.Context, []byte) error {
	return func(wctx workflow.Context, params []byte) error {
		ctrl := newController(wctx, e.stepTimeout, e.baseCtx)
		if err := ctrl.install(); err != nil {
			return err
		}
		info := workflow.GetInfo(wctx)
		event := host.Event{
			InstanceID: info.WorkflowExecution.ID,
			Payload:    params,
			Timestamp:  info.WorkflowStartTime,
		}
		if err := r.Run(e.baseCtx, event, ctrl); err != nil {
			return runFailure(err)
		}
		return nil
	}
}

// autoStartWorkers starts the workers on the first Create unless disabled.
func (e *Engine) autoStartWorkers() {
	if e.autoStart {
		e.StartWorkers()
	}
}

func (p *queuePoller) run() {
	p.once.Do(func() {
		go func() {
			if err := p.w.Run(worker.InterruptCh()); err != nil {
				p.logger.Error(context.Background(), "temporal worker exited", "queue", p.queue, "error", err)
			}
		}()
	})
}
