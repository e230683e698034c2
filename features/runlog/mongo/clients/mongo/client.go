// Package mongo stores the run log of durable workflow instances in a MongoDB
// collection. One document is written per lifecycle event; the step, attempt
// and error of the event are copied out of the payload so that the
// collection can be queried without decoding it.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/goa-durable/runtime/durable/hooks"
	"goa.design/goa-durable/runtime/durable/runlog"
)

type (
	// Client reads and writes the run log collection.
	Client interface {
		health.Pinger

		// Append inserts e and sets its ID to the hex of the document
		// ObjectID.
		Append(ctx context.Context, e *runlog.Event) error
		// List returns up to limit events of instanceID recorded after
		// cursor, oldest first.
		List(ctx context.Context, instanceID string, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures New.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database holds the run log. Required.
		Database string
		// Collection defaults to "durable_instance_events".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	client struct {
		conn    *mongodriver.Client
		events  eventCollection
		timeout time.Duration
	}

	// record is the stored form of a run log event.
	record struct {
		ID         bson.ObjectID `bson:"_id,omitempty"`
		InstanceID string        `bson:"instance_id"`
		Workflow   string        `bson:"workflow"`
		Type       string        `bson:"type"`
		Step       string        `bson:"step,omitempty"`
		Attempt    int           `bson:"attempt,omitempty"`
		Error      string        `bson:"error,omitempty"`
		Payload    []byte        `bson:"payload"`
		Timestamp  time.Time     `bson:"timestamp"`
	}

	// eventCollection is the subset of *mongodriver.Collection used by the
	// client.
	eventCollection interface {
		InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (recordCursor, error)
		CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error
	}

	recordCursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	driverCollection struct {
		*mongodriver.Collection
	}
)

const (
	defaultCollection = "durable_instance_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// indexes serve List and the per workflow queries of operators.
var indexes = []mongodriver.IndexModel{
	{Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "_id", Value: 1}}},
	{Keys: bson.D{{Key: "workflow", Value: 1}, {Key: "type", Value: 1}, {Key: "timestamp", Value: -1}}},
}

// New returns a Client writing to the configured collection. The indexes are
// created before New returns.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	c, err := newClient(opts.Client, driverCollection{opts.Client.Database(opts.Database).Collection(name)}, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	if err := c.events.CreateIndexes(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create run log indexes on %s.%s: %w", opts.Database, name, err)
	}
	return c, nil
}

func newClient(conn *mongodriver.Client, events eventCollection, timeout time.Duration) (*client, error) {
	if events == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{conn: conn, events: events, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *runlog.Event) error {
	doc, err := newRecord(e)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.events.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("insert %s event of %q: %w", e.Type, e.InstanceID, err)
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, instanceID string, cursor string, limit int) (_ runlog.Page, err error) {
	filter, err := listFilter(instanceID, cursor, limit)
	if err != nil {
		return runlog.Page{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// One extra document tells whether another page follows.
	cur, err := c.events.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)+1))
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil {
			err = cerr
		}
	}()

	events := make([]*runlog.Event, 0, limit)
	more := false
	for cur.Next(ctx) {
		if len(events) == limit {
			more = true
			break
		}
		var doc record
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, fmt.Errorf("decode run log record: %w", err)
		}
		events = append(events, doc.event())
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}
	page := runlog.Page{Events: events}
	if more {
		page.NextCursor = events[len(events)-1].ID
	}
	return page, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// newRecord validates e and copies the step fields of its hook payload.
func newRecord(e *runlog.Event) (record, error) {
	switch {
	case e == nil:
		return record{}, errors.New("event is required")
	case e.InstanceID == "":
		return record{}, errors.New("instance id is required")
	case e.Type == "":
		return record{}, errors.New("event type is required")
	case e.Timestamp.IsZero():
		return record{}, errors.New("timestamp is required")
	}
	r := record{
		InstanceID: e.InstanceID,
		Workflow:   e.Workflow,
		Type:       string(e.Type),
		Payload:    append([]byte(nil), e.Payload...),
		Timestamp:  e.Timestamp.UTC(),
	}
	// Payloads that are not hook events are stored as is.
	if h, err := e.Hook(); err == nil {
		r.Step, r.Attempt, r.Error = h.Step, h.Attempt, h.Error
	}
	return r, nil
}

func (r record) event() *runlog.Event {
	return &runlog.Event{
		ID:         r.ID.Hex(),
		InstanceID: r.InstanceID,
		Workflow:   r.Workflow,
		Type:       hooks.EventType(r.Type),
		Payload:    append([]byte(nil), r.Payload...),
		Timestamp:  r.Timestamp,
	}
}

func listFilter(instanceID, cursor string, limit int) (bson.M, error) {
	if instanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	filter := bson.M{"instance_id": instanceID}
	if cursor == "" {
		return filter, nil
	}
	after, err := bson.ObjectIDFromHex(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	filter["_id"] = bson.M{"$gt": after}
	return filter, nil
}

func (c driverCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (recordCursor, error) {
	return c.Collection.Find(ctx, filter, opts...)
}

func (c driverCollection) CreateIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := c.Indexes().CreateMany(ctx, models)
	return err
}
