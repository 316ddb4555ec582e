package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"WorkChat/tools/errs"
)

// MongoConfig configures the durable store.
type MongoConfig struct {
	Uri         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
}

const (
	collMessages      = "messages"
	collUploads       = "uploads"
	collNotifications = "notifications"
)

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	db *mongo.Database
}

func applyConfigToOptions(cfg *MongoConfig) (*options.ClientOptions, error) {
	var opts *options.ClientOptions
	switch {
	case cfg.Uri != "":
		opts = options.Client().ApplyURI(cfg.Uri)
	case len(cfg.Address) > 0:
		opts = options.Client().SetHosts(cfg.Address)
	default:
		return nil, errs.NewCodeError(errs.CodePolicyBase+11, "mongo uri or address is required").Wrap()
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts, nil
}

func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	opts, err := applyConfigToOptions(&cfg)
	if err != nil {
		return nil, err
	}
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "connect mongo")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		return nil, errs.WrapMsg(err, "ping mongo")
	}
	db := cfg.Database
	if db == "" {
		db = "workchat"
	}
	return &MongoStore{db: cli.Database(db)}, nil
}

func (s *MongoStore) BatchInsert(ctx context.Context, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	docs := make([]any, 0, len(msgs))
	for _, m := range msgs {
		docs = append(docs, m)
	}
	res, err := s.db.Collection(collMessages).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		n := 0
		if res != nil {
			n = len(res.InsertedIDs)
		}
		return n, errs.ErrStorageWrite.WrapMsg("insert messages", "err", err)
	}
	return len(res.InsertedIDs), nil
}

func (s *MongoStore) UpdateUploadStatus(ctx context.Context, uploadID, status string, meta map[string]any) error {
	set := bson.M{"status": status, "updated_at": time.Now()}
	for k, v := range meta {
		set["meta."+k] = v
	}
	_, err := s.db.Collection(collUploads).UpdateOne(ctx,
		bson.M{"upload_id": uploadID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrStorageWrite.WrapMsg("update upload status", "upload_id", uploadID, "err", err)
	}
	return nil
}

func (s *MongoStore) CreateNotificationRecord(ctx context.Context, rec NotificationRecord) (NotificationRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, err := s.db.Collection(collNotifications).InsertOne(ctx, rec); err != nil {
		return rec, errs.ErrStorageWrite.WrapMsg("insert notification record", "id", rec.ID, "err", err)
	}
	return rec, nil
}
