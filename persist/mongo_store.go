package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase   = "securevault"
	defaultMongoCollection = "envelopes"
)

// MongoConfig contains the configuration required to connect to MongoDB
type MongoConfig struct {
	URI        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`
}

// MongoStore keeps each namespace's envelope in one document keyed by the
// namespace. A revision counter incremented on every write acts as the version.
type MongoStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	namespace string
}

type envelopeDocument struct {
	Namespace string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	Revision  int64     `bson:"revision"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func NewMongoStore(ctx context.Context, config MongoConfig, namespace string) (*MongoStore, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if config.URI == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if config.Database == "" {
		config.Database = defaultMongoDatabase
	}
	if config.Collection == "" {
		config.Collection = defaultMongoCollection
	}

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &MongoStore{
		client:    cli,
		coll:      cli.Database(config.Database).Collection(config.Collection),
		namespace: namespace,
	}, nil
}

// NewMongoStoreFromConfig initializes a MongoStore from the given StoreConfig
func NewMongoStoreFromConfig(config StoreConfig, namespace string) (*MongoStore, error) {
	if config.Type != StoreTypeMongoDB {
		return nil, fmt.Errorf("invalid store type for MongoDB: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var mongoConfig MongoConfig
	if err = json.Unmarshal(configBytes, &mongoConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MongoDB config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return NewMongoStore(ctx, mongoConfig, namespace)
}

func (m *MongoStore) Namespace() string {
	return m.namespace
}

func (m *MongoStore) ListNamespaces() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	ids, err := m.coll.Distinct(ctx, "_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	namespaces := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			namespaces = append(namespaces, s)
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (m *MongoStore) SaveEnvelope(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("envelope cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion == VersionAbsent {
		return m.insertEnvelope(ctx, data)
	}

	filter := bson.M{"_id": m.namespace}
	upsert := true
	if expectedVersion != "" {
		revision, err := strconv.ParseInt(expectedVersion, 10, 64)
		if err != nil {
			// not a revision this store ever issued, so it cannot be current
			actual, _ := m.currentVersion(ctx)
			return "", versionConflict(expectedVersion, actual)
		}
		filter["revision"] = revision
		// a conditional upsert would insert a duplicate _id instead of failing
		upsert = false
	}

	update := bson.M{
		"$set": bson.M{
			"data":      data,
			"updatedAt": time.Now().UTC(),
		},
		"$inc": bson.M{"revision": int64(1)},
	}

	var doc envelopeDocument
	err := m.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(upsert).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			actual, _ := m.currentVersion(ctx)
			return "", versionConflict(expectedVersion, actual)
		}
		return "", fmt.Errorf("failed to save envelope: %w", err)
	}

	return strconv.FormatInt(doc.Revision, 10), nil
}

// insertEnvelope creates the first revision; the unique _id turns a racing
// creator into a duplicate key error
func (m *MongoStore) insertEnvelope(ctx context.Context, data []byte) (string, error) {
	doc := envelopeDocument{
		Namespace: m.namespace,
		Data:      data,
		Revision:  1,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			actual, _ := m.currentVersion(ctx)
			return "", versionConflict(VersionAbsent, actual)
		}
		return "", fmt.Errorf("failed to create envelope: %w", err)
	}
	return strconv.FormatInt(doc.Revision, 10), nil
}

func (m *MongoStore) LoadEnvelope() (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	var doc envelopeDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": m.namespace}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	return &VersionedData{
		Data:      doc.Data,
		Version:   strconv.FormatInt(doc.Revision, 10),
		Timestamp: doc.UpdatedAt,
	}, nil
}

func (m *MongoStore) EnvelopeExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": m.namespace})
	if err != nil {
		return false, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return n > 0, nil
}

func (m *MongoStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) GetType() string {
	return string(StoreTypeMongoDB)
}

func (m *MongoStore) currentVersion(ctx context.Context) (string, error) {
	var doc envelopeDocument
	err := m.coll.FindOne(ctx, bson.M{"_id": m.namespace},
		options.FindOne().SetProjection(bson.M{"revision": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return strconv.FormatInt(doc.Revision, 10), nil
}
