package history

import (
	"context"
	"time"

	"PPresence/service/notify"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const collection = "notification_history"

type Config struct {
	URI         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
}

// RecordDoc is one notification in the recipient's history.
type RecordDoc struct {
	ID          string            `bson:"_id"`
	Kind        string            `bson:"kind"`
	Recipient   string            `bson:"recipient"`
	Source      string            `bson:"source"`
	Content     string            `bson:"content"`
	Priority    int               `bson:"priority"`
	Data        map[string]string `bson:"data,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	Delivered   bool              `bson:"delivered"`
	DeliveredAt *time.Time        `bson:"delivered_at,omitempty"`
	DeadLetter  bool              `bson:"dead_letter"`
	Cause       string            `bson:"cause,omitempty"`
	Attempts    int               `bson:"attempts"`
}

// Repo persists notification history in Mongo. Implements both
// notify.HistoryStore and notify.DeadLetters.
type Repo struct {
	cli   *mongo.Client
	col   *mongo.Collection
	clock func() time.Time
}

func Connect(ctx context.Context, cfg Config) (*Repo, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}
	return &Repo{
		cli:   cli,
		col:   cli.Database(cfg.Database).Collection(collection),
		clock: time.Now,
	}, nil
}

func (r *Repo) Close(ctx context.Context) error {
	return r.cli.Disconnect(ctx)
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx, readpref.Primary())
}

// Save upserts the message by id, so a redelivered record does not duplicate
// its history entry.
func (r *Repo) Save(ctx context.Context, msg *notify.Message) error {
	doc := RecordDoc{
		ID:        msg.ID,
		Kind:      msg.Kind.String(),
		Recipient: msg.Recipient,
		Source:    msg.Source,
		Content:   msg.Content,
		Priority:  int(msg.Priority),
		Data:      msg.Data,
		CreatedAt: time.UnixMilli(msg.Timestamp),
		Attempts:  msg.RetryCount,
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": msg.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "save history")
}

func (r *Repo) MarkDelivered(ctx context.Context, id string) error {
	now := r.clock()
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"delivered": true, "delivered_at": now}})
	return errors.Wrap(err, "mark delivered")
}

// Record flags an exhausted message as dead-lettered, keeping it inspectable.
func (r *Repo) Record(ctx context.Context, msg *notify.Message, cause string) error {
	_, err := r.col.UpdateOne(ctx,
		bson.M{"_id": msg.ID},
		bson.M{
			"$set": bson.M{
				"dead_letter": true,
				"cause":       cause,
				"attempts":    msg.RetryCount,
			},
			"$setOnInsert": bson.M{
				"kind":       msg.Kind.String(),
				"recipient":  msg.Recipient,
				"source":     msg.Source,
				"content":    msg.Content,
				"created_at": time.UnixMilli(msg.Timestamp),
			},
		},
		options.Update().SetUpsert(true))
	return errors.Wrap(err, "record dead letter")
}

// ListByRecipient pages the recipient's history, newest first.
func (r *Repo) ListByRecipient(ctx context.Context, userID string, limit int64) ([]RecordDoc, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := r.col.Find(ctx,
		bson.M{"recipient": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list history")
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []RecordDoc
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	return out, nil
}
