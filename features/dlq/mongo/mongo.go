// Package mongo persists dead-lettered events in MongoDB so triage survives
// process restarts. Entries carry the full wire envelope of the event plus
// the delivery context the bus recorded.
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

	"github.com/machinist-ai/machinist/runtime/bus"
	"github.com/machinist-ai/machinist/runtime/events"
	"github.com/machinist-ai/machinist/runtime/fault"
)

type (
	// Options configures the archive.
	Options struct {
		// Client is the shared Mongo client.
		Client *mongodriver.Client
		// Database holds the archive collection.
		Database string
		// Collection defaults to "dead_letters".
		Collection string
		// Timeout bounds each round trip. Defaults to 5s.
		Timeout time.Duration
	}

	// Archive is the Mongo-backed bus.DLQ.
	Archive struct {
		client  *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	entryDocument struct {
		Subscriber    string    `bson:"subscriber"`
		EventID       string    `bson:"event_id"`
		EventType     string    `bson:"event_type"`
		Error         string    `bson:"error"`
		Attempts      int       `bson:"attempts"`
		CorrelationID string    `bson:"correlation_id"`
		FailedAt      time.Time `bson:"failed_at"`
		Envelope      []byte    `bson:"envelope"`
	}
)

const (
	defaultCollection = "dead_letters"
	defaultTimeout    = 5 * time.Second
	archiveName       = "dlq-mongo"
)

// New builds the archive and ensures its indexes.
func New(opts Options) (*Archive, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, fmt.Errorf("dlq mongo: ensure indexes: %w", err)
	}
	return &Archive{client: opts.Client, coll: wrapper, timeout: timeout}, nil
}

// Name identifies the dependency in readiness reports.
func (a *Archive) Name() string { return archiveName }

// Ping verifies the backend answers.
func (a *Archive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, readpref.Primary())
}

// Add archives one dead-lettered event.
func (a *Archive) Add(ctx context.Context, e bus.Entry) error {
	if e.Event == nil {
		return errors.New("dlq mongo: entry has no event")
	}
	envelope, err := events.EncodeJSON(e.Event)
	if err != nil {
		return fmt.Errorf("dlq mongo: encode event: %w", err)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	doc := entryDocument{
		Subscriber:    e.Subscriber,
		EventID:       e.Event.EventID(),
		EventType:     string(e.Event.Type()),
		Error:         e.Error,
		Attempts:      e.Attempts,
		CorrelationID: e.CorrelationID,
		FailedAt:      e.FailedAt.UTC(),
		Envelope:      envelope,
	}
	if _, err := a.coll.InsertOne(ctx, doc); err != nil {
		return fault.Transient(fmt.Errorf("dlq mongo: insert entry: %w", err))
	}
	return nil
}

// List returns entries newest first, filtered by subscriber when non-empty,
// at most limit entries (0 means no cap).
func (a *Archive) List(ctx context.Context, subscriber string, limit int) (out []bus.Entry, err error) {
	filter := bson.M{}
	if subscriber != "" {
		filter["subscriber"] = subscriber
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	cur, err := a.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("dlq mongo: find entries: %w", err))
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("dlq mongo: decode entry: %w", err)
		}
		ev, err := events.DecodeJSON(doc.Envelope)
		if err != nil {
			return nil, fmt.Errorf("dlq mongo: decode archived event %s: %w", doc.EventID, err)
		}
		out = append(out, bus.Entry{
			Subscriber:    doc.Subscriber,
			Event:         ev,
			Error:         doc.Error,
			Attempts:      doc.Attempts,
			CorrelationID: doc.CorrelationID,
			FailedAt:      doc.FailedAt.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("dlq mongo: iterate entries: %w", err))
	}
	return out, nil
}

func (a *Archive) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "subscriber", Value: 1},
			{Key: "failed_at", Value: -1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
