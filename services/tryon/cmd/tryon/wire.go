package main

import (
	"context"
	"fmt"

	"tryonhub/pkg/events"
	"tryonhub/pkg/storage"
	"tryonhub/pkg/store"
	"tryonhub/services/tryon/internal/config"
)

func openStore(ctx context.Context, cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := store.NewGormStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return st, nil
	case "mongo":
		st, err := store.NewMongoStore(ctx, cfg.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		return st, nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.ObjectStore {
	case "minio":
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
		return objects, nil
	case "s3":
		objects, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:   cfg.S3Region,
			Bucket:   cfg.S3Bucket,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3: %w", err)
		}
		return objects, nil
	case "memory":
		return storage.NewMemoryStore(""), nil
	default:
		return nil, fmt.Errorf("unknown object store %q", cfg.ObjectStore)
	}
}

func openPublisher(cfg config.FileConfig) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, fmt.Errorf("init amqp publisher: %w", err)
	}
	return pub, nil
}

func seedCatalog(ctx context.Context, st store.ProductWriter, path string) error {
	products, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := st.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}
