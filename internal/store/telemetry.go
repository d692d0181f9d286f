package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TelemetryStore reads the ELIoT metricas collection: the last report time
// per agent uuid feeds the reporting-freshness filter.
type TelemetryStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectTelemetry connects to Mongo and pins the metricas collection.
func ConnectTelemetry(uri, database string) (*TelemetryStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	slog.Info("telemetry db connected", "database", database)
	return &TelemetryStore{
		client: client,
		coll:   client.Database(database).Collection("metricas"),
	}, nil
}

type metricDoc struct {
	UUID  string `bson:"uuid"`
	Fecha int64  `bson:"fecha"`
}

// LastReport returns the newest metric timestamp for the agent, or nil when
// the agent has never reported.
func (t *TelemetryStore) LastReport(ctx context.Context, uuid string) (*int64, error) {
	var doc metricDoc
	err := t.coll.FindOne(ctx,
		bson.M{"uuid": uuid},
		options.FindOne().SetSort(bson.D{{Key: "fecha", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry lookup uuid=%s: %w", uuid, err)
	}
	return &doc.Fecha, nil
}

// Ping reports telemetry DB health.
func (t *TelemetryStore) Ping(ctx context.Context) error {
	return t.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (t *TelemetryStore) Close(ctx context.Context) error {
	return t.client.Disconnect(ctx)
}
