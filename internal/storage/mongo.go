package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoArchive keeps a secondary copy of extracted text in MongoDB for
// full-text queries. The disk content files remain the primary store.
type MongoArchive struct {
	client   *mongo.Client
	database *mongo.Database
	logger   *zap.Logger
}

// NewMongoArchive connects to MongoDB and prepares the content collection.
func NewMongoArchive(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoArchive, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetMaxPoolSize(50)
	clientOptions.SetMinPoolSize(10)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	ma := &MongoArchive{
		client:   client,
		database: db,
		logger:   logger,
	}

	if err := ma.createIndexes(connectCtx); err != nil {
		logger.Warn("failed to create content indexes", zap.Error(err))
	}

	logger.Info("connected content archive to MongoDB", zap.String("database", database))
	return ma, nil
}

// ContentDoc is one archived page text.
type ContentDoc struct {
	URLSHA256 string    `bson:"url_sha256"`
	URL       string    `bson:"url"`
	Domain    string    `bson:"domain"`
	Text      string    `bson:"text"`
	FetchedAt time.Time `bson:"fetched_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// SaveContent upserts a page's extracted text keyed by URL SHA-256.
func (ma *MongoArchive) SaveContent(ctx context.Context, doc *ContentDoc) error {
	collection := ma.database.Collection("page_text")

	doc.UpdatedAt = time.Now()
	filter := bson.M{"url_sha256": doc.URLSHA256}
	update := bson.M{"$set": doc}

	opts := options.Update().SetUpsert(true)
	if _, err := collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to archive content for %s: %w", doc.URL, err)
	}
	return nil
}

func (ma *MongoArchive) createIndexes(ctx context.Context) error {
	collection := ma.database.Collection("page_text")
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "url_sha256", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "domain", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "fetched_at", Value: -1}},
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create content indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (ma *MongoArchive) Close(ctx context.Context) error {
	if err := ma.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
