// Package temporal implements the durable host backed by Temporal
// (https://temporal.io). Workflow bodies run as Temporal workflows, steps run
// as local activities whose results are recorded in the workflow history, and
// sleeps are durable timers.
//
// # Constructing an Engine
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{TaskQueue: "durable"},
//	})
//	if err != nil {
//	    log.Fatal(ctx, err)
//	}
//	defer eng.Close()
//
//	if err := eng.Register(temporal.WorkflowDefinition{
//	    Key:    myworkflow.Definition.BindingKey(),
//	    Runner: myworkflow.Definition,
//	}); err != nil {
//	    log.Fatal(ctx, err)
//	}
//
// The engine implements host.Env, so it can back a registry directly.
//
// # Worker vs Client Mode
//
// Worker processes register workflow definitions and start the workers
// (automatically on first Create, or through StartWorkers). Client
// processes such as the CLI skip registration and only use bindings to
// create and manage instances; Binding never requires a local registration.
//
// # Retries
//
// Step retry policies map onto Temporal retry policies: the limit becomes
// MaximumAttempts (limit plus one), the delay becomes InitialInterval and the
// backoff becomes the coefficient (1 for constant, 2 for exponential). Temporal
// has no linear backoff; linear policies use a coefficient of 1.5.
//
// # Pause and Resume
//
// Every run listens on the SignalPause and SignalResume channels. While
// paused, steps and sleeps that have not started yet block. The QueryState
// query reports whether the run is paused or sleeping.
package temporal
