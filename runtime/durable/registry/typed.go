package registry

import (
	"context"
	"fmt"

	"goa.design/goa-durable/runtime/durable/schema"
)

// Client is a registry view bound to one workflow with parameters of type P.
type Client[P any] struct {
	r   *Registry
	tag string
}

type paramSchema[P any] interface {
	Schema() *schema.Schema[P]
}

// Typed returns a client for the workflow tag. It fails if the workflow is
// unknown or does not take parameters of type P.
func Typed[P any](r *Registry, tag string) (*Client[P], error) {
	wf, err := r.Workflow(tag)
	if err != nil {
		return nil, err
	}
	if _, ok := wf.(paramSchema[P]); !ok {
		var zero P
		return nil, fmt.Errorf("workflow %s does not take %T parameters", tag, zero)
	}
	return &Client[P]{r: r, tag: tag}, nil
}

// Create starts a new instance. A nil params starts it without parameters.
func (c *Client[P]) Create(ctx context.Context, id string, params *P) (*Instance, error) {
	opts := CreateOptions{ID: id}
	if params != nil {
		opts.Params = params
	}
	return c.r.Create(ctx, c.tag, opts)
}

// Get returns an existing instance.
func (c *Client[P]) Get(ctx context.Context, id string) (*Instance, error) {
	return c.r.Get(ctx, c.tag, id)
}
