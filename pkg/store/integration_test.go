package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Set by TestMain when GO_TEST_INTEGRATION is enabled.
var (
	mongoURI    string
	postgresDSN string
)

func TestMain(m *testing.M) {
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		os.Exit(m.Run())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mongoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start mongo testcontainer: %v\n", err)
		os.Exit(1)
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tryon",
				"POSTGRES_PASSWORD": "tryon",
				"POSTGRES_DB":       "tryon",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		_ = mongoC.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to start postgres testcontainer: %v\n", err)
		os.Exit(1)
	}

	mongoEndpoint, err := mongoC.PortEndpoint(ctx, "27017/tcp", "mongodb")
	if err != nil {
		terminate(mongoC, pgC)
		fmt.Fprintf(os.Stderr, "failed to get mongo endpoint: %v\n", err)
		os.Exit(1)
	}
	pgHost, err := pgC.Host(ctx)
	if err != nil {
		terminate(mongoC, pgC)
		fmt.Fprintf(os.Stderr, "failed to get postgres host: %v\n", err)
		os.Exit(1)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432/tcp")
	if err != nil {
		terminate(mongoC, pgC)
		fmt.Fprintf(os.Stderr, "failed to get postgres port: %v\n", err)
		os.Exit(1)
	}
	mongoURI = mongoEndpoint
	postgresDSN = fmt.Sprintf("host=%s port=%s user=tryon password=tryon dbname=tryon sslmode=disable", pgHost, pgPort.Port())

	code := m.Run()
	terminate(mongoC, pgC)
	os.Exit(code)
}

func terminate(containers ...testcontainers.Container) {
	for _, c := range containers {
		_ = c.Terminate(context.Background())
	}
}

func TestMongoStoreContract(t *testing.T) {
	if mongoURI == "" {
		t.Skip("set GO_TEST_INTEGRATION=1 to run MongoDB tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := NewMongoStore(ctx, mongoURI+"/tryon_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("new mongo store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	runContract(t, s)
}

func TestGormStoreContract(t *testing.T) {
	if postgresDSN == "" {
		t.Skip("set GO_TEST_INTEGRATION=1 to run Postgres tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := NewGormStore(ctx, postgresDSN)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	runContract(t, s)
}
