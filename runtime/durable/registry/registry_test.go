package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"goa.design/goa-durable/runtime/durable"
	"goa.design/goa-durable/runtime/durable/host"
	"goa.design/goa-durable/runtime/durable/host/inmem"
	"goa.design/goa-durable/runtime/durable/schema"
	"goa.design/goa-durable/runtime/durable/telemetry"
)

type params struct {
	ID string `json:"id"`
}

var paramsSchema = schema.MustNew("Params", schema.WithJSONSchema[params](`{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`))

func newDefinition(gate chan struct{}) *durable.Definition[params] {
	return durable.MakeWorkflow(durable.WorkflowConfig[params]{
		Name:    "MyWorkflow",
		Binding: "MY_WORKFLOW",
		Schema:  paramsSchema,
		Logger:  telemetry.NewNoopLogger(),
	}, func(wf *durable.Workflow, p params) error {
		_, err := durable.Do(wf, "wait", func(ctx context.Context) (string, error) {
			select {
			case <-gate:
				return p.ID, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
		return err
	})
}

func TestNewRejectsDuplicates(t *testing.T) {
	def := newDefinition(nil)
	_, err := New(func() host.Env { return nil }, []Workflow{def, def})
	require.Error(t, err)
	_, err = New(nil, []Workflow{def})
	require.Error(t, err)
}

func TestEnvIsResolvedLazily(t *testing.T) {
	var env host.Env
	gate := make(chan struct{})
	def := newDefinition(gate)
	r, err := New(func() host.Env { return env }, []Workflow{def})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Create(ctx, "MyWorkflow", CreateOptions{ID: "early"})
	require.Error(t, err)

	h := inmem.New()
	require.NoError(t, h.Register(def.BindingKey(), def))
	env = h

	inst, err := r.Create(ctx, "MyWorkflow", CreateOptions{ID: "late", Params: params{ID: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "late", inst.ID())
	assert.Equal(t, "MyWorkflow", inst.Workflow())
	close(gate)
	require.NoError(t, h.Wait(ctx, "late"))

	st, err := inst.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusComplete, st.Status)
}

func TestCreateAndGet(t *testing.T) {
	gate := make(chan struct{})
	def := newDefinition(gate)
	h := inmem.New()
	require.NoError(t, h.Register(def.BindingKey(), def))
	r, err := New(func() host.Env { return h }, []Workflow{def})
	require.NoError(t, err)
	ctx := context.Background()
	assert.Equal(t, []string{"MyWorkflow"}, r.Tags())

	_, err = r.Create(ctx, "Other", CreateOptions{})
	require.ErrorIs(t, err, ErrUnknownWorkflow)

	_, err = r.Create(ctx, "MyWorkflow", CreateOptions{Params: params{}})
	var encErr *schema.EncodeError
	require.ErrorAs(t, err, &encErr)

	inst, err := r.Create(ctx, "MyWorkflow", CreateOptions{ID: "a", Params: &params{ID: "x"}})
	require.NoError(t, err)

	got, err := r.Get(ctx, "MyWorkflow", "a")
	require.NoError(t, err)
	assert.Equal(t, inst.ID(), got.ID())

	_, err = r.Get(ctx, "MyWorkflow", "missing")
	require.ErrorIs(t, err, host.ErrNotFound)

	require.NoError(t, got.Pause(ctx))
	require.Eventually(t, func() bool {
		st, err := got.Status(ctx)
		return err == nil && st.Status == host.StatusPaused
	}, time.Second, time.Millisecond)
	require.NoError(t, got.Resume(ctx))

	require.NoError(t, got.Terminate(ctx))
	st, err := got.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusTerminated, st.Status)

	require.NoError(t, got.Restart(ctx))
	close(gate)
	require.NoError(t, h.Wait(ctx, "a"))
	st, err = got.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusComplete, st.Status)
}

func TestTypedClient(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	def := newDefinition(gate)
	h := inmem.New()
	require.NoError(t, h.Register(def.BindingKey(), def))
	r, err := New(func() host.Env { return h }, []Workflow{def})
	require.NoError(t, err)

	_, err = Typed[int](r, "MyWorkflow")
	require.Error(t, err)
	_, err = Typed[params](r, "Nope")
	require.ErrorIs(t, err, ErrUnknownWorkflow)

	c, err := Typed[params](r, "MyWorkflow")
	require.NoError(t, err)
	ctx := context.Background()
	inst, err := c.Create(ctx, "typed", &params{ID: "x"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx, inst.ID()))

	got, err := c.Get(ctx, "typed")
	require.NoError(t, err)
	st, err := got.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusComplete, st.Status)

	// Without parameters the run fails to decode its event.
	inst, err = c.Create(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx, inst.ID()))
	st, err = inst.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, host.StatusErrored, st.Status)
}

func TestCreateLimiter(t *testing.T) {
	def := newDefinition(nil)
	h := inmem.New()
	require.NoError(t, h.Register(def.BindingKey(), def))
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	r, err := New(func() host.Env { return h }, []Workflow{def}, WithCreateLimiter(lim))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Create(ctx, "MyWorkflow", CreateOptions{ID: "first", Params: params{ID: "x"}})
	require.NoError(t, err)
	_, err = r.Create(ctx, "MyWorkflow", CreateOptions{ID: "second", Params: params{ID: "x"}})
	require.Error(t, err)

	inst, err := r.Get(context.Background(), "MyWorkflow", "first")
	require.NoError(t, err)
	require.NoError(t, inst.Terminate(context.Background()))
}

func TestEncodeParamsRaw(t *testing.T) {
	raw, err := newDefinition(nil).EncodeParams(params{ID: "x"})
	require.NoError(t, err)
	var p params
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, "x", p.ID)
}
