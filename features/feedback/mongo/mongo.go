// Package mongo archives operator feedback in MongoDB. Feedback feeds
// offline analysis and training-set curation; the detection path never
// reads it back.
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

	"github.com/machinist-ai/machinist/runtime/fault"
	"github.com/machinist-ai/machinist/storage"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the shared Mongo client.
		Client *mongodriver.Client
		// Database holds the feedback collection.
		Database string
		// Collection defaults to "alert_feedback".
		Collection string
		// Timeout bounds each round trip. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the Mongo-backed storage.FeedbackStore.
	Store struct {
		client  *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	feedbackDocument struct {
		ID            string    `bson:"id"`
		AlertID       string    `bson:"alert_id"`
		Verdict       string    `bson:"verdict"`
		Comment       string    `bson:"comment,omitempty"`
		ReportedBy    string    `bson:"reported_by,omitempty"`
		CorrelationID string    `bson:"correlation_id,omitempty"`
		ReceivedAt    time.Time `bson:"received_at"`
	}
)

const (
	defaultCollection = "alert_feedback"
	defaultTimeout    = 5 * time.Second
	storeName         = "feedback-mongo"
)

// New builds the store and ensures its indexes.
func New(opts Options) (*Store, error) {
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
		return nil, fmt.Errorf("feedback mongo: ensure indexes: %w", err)
	}
	return &Store{client: opts.Client, coll: wrapper, timeout: timeout}, nil
}

// Name identifies the dependency in readiness reports.
func (s *Store) Name() string { return storeName }

// Ping verifies the backend answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Append writes one record. The unique index on id collapses redelivered
// feedback events into the first document.
func (s *Store) Append(ctx context.Context, rec storage.FeedbackRecord) error {
	if rec.ID == "" {
		return fault.Validation(errors.New("feedback mongo: record has no id"))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := feedbackDocument{
		ID:            rec.ID,
		AlertID:       rec.AlertID,
		Verdict:       rec.Verdict,
		Comment:       rec.Comment,
		ReportedBy:    rec.ReportedBy,
		CorrelationID: rec.CorrelationID,
		ReceivedAt:    rec.ReceivedAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return fault.Transient(fmt.Errorf("feedback mongo: insert record: %w", err))
	}
	return nil
}

// ListByAlert returns the alert's feedback oldest first.
func (s *Store) ListByAlert(ctx context.Context, alertID string) (out []storage.FeedbackRecord, err error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}})

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"alert_id": alertID}, findOpts)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("feedback mongo: find records: %w", err))
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc feedbackDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("feedback mongo: decode record: %w", err)
		}
		out = append(out, storage.FeedbackRecord{
			ID:            doc.ID,
			AlertID:       doc.AlertID,
			Verdict:       doc.Verdict,
			Comment:       doc.Comment,
			ReportedBy:    doc.ReportedBy,
			CorrelationID: doc.CorrelationID,
			ReceivedAt:    doc.ReceivedAt.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fault.Transient(fmt.Errorf("feedback mongo: iterate records: %w", err))
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	byAlert := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "alert_id", Value: 1},
			{Key: "received_at", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, byAlert)
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
