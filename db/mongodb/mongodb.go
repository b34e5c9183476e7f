// Package mongodb implements db.Database on a MongoDB collection. It is used
// for audit-grade archival of withdrawal records where a remote, replicated
// store is preferred over the local pebble database.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chainpay/withdrawd/db"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultCollection = "kv"
)

type document struct {
	Key   []byte `bson:"_id"`
	Value []byte `bson:"value"`
}

// MongoDB implements db.Database over a single MongoDB collection with
// documents of the form {_id: key, value: bytes}.
type MongoDB struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ db.Database = (*MongoDB)(nil)

// New connects to the MongoDB at opts.URI and uses database opts.Name.
func New(opts db.Options) (*MongoDB, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("mongodb requires a URI")
	}
	name := opts.Name
	if name == "" {
		name = "withdrawd"
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoDB{
		client: client,
		coll:   client.Database(name).Collection(defaultCollection),
	}, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

func (d *MongoDB) Compact() error {
	return nil
}

func (d *MongoDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var doc document
	err := d.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (d *MongoDB) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	filter := bson.M{}
	if len(prefix) > 0 {
		filter["_id"] = rangeFilter(prefix)
	}
	cur, err := d.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		if !callback(doc.Key, doc.Value) {
			break
		}
	}
	return cur.Err()
}

// rangeFilter builds a byte-range filter matching every key with the given
// prefix.
func rangeFilter(prefix []byte) bson.M {
	filter := bson.M{"$gte": prefix}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			filter["$lt"] = end[:i+1]
			break
		}
	}
	return filter
}

func (d *MongoDB) WriteTx() db.WriteTx {
	return &WriteTx{db: d, writes: make(map[string]*[]byte)}
}

// WriteTx buffers operations and flushes them with one bulk write on Commit.
// MongoDB bulk writes are not fully transactional across documents; callers
// that require strict atomicity should use the pebble backend.
type WriteTx struct {
	db     *MongoDB
	writes map[string]*[]byte
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if pending, ok := tx.writes[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return *pending, nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	// Pending writes are not merged into the view; the archival use case
	// only iterates committed data.
	return tx.db.Iterate(prefix, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	tx.writes[string(key)] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if len(tx.writes) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(tx.writes))
	for k, pending := range tx.writes {
		if pending == nil {
			models = append(models, mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": []byte(k)}))
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": []byte(k)}).
			SetReplacement(document{Key: []byte(k), Value: *pending}).
			SetUpsert(true))
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	_, err := tx.db.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (tx *WriteTx) Discard() {
	tx.done = true
	tx.writes = nil
}
