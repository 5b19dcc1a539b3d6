package helpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	User         = "postgres"
	Password     = "postgres"
	MasterDBName = "HOARD_DB"

	// IntegrationEnv must be set for tests requiring a database to run.
	IntegrationEnv = "HOARD_INTEGRATION"
)

var (
	ctx = context.Background()

	manager  = &databaseManager{Mutex: &sync.Mutex{}}
	dbNumber atomic.Int64
)

// databaseManager is an internal test helper which facilitates
// the templating of a single 'master' database in a shared postgresql
// docker instance. This allows tests to use individual databases without
// needing to create multiple instances of docker. This manager will:
//   - automatically spawn the container,
//   - migrate the master database using the embedded migrations,
//   - mark the master database as a template, and,
//   - facilitate provisioning of new databases based off that master database.
type databaseManager struct {
	*sync.Mutex
	pgContainer *postgres.PostgresContainer
	connection  *sqlx.DB
	config      database.DatabaseConfig
}

// RequireDatabase provisions a fresh, fully migrated database for the calling
// test, returning a connection to it. The database is dropped when the test ends.
// Tests are skipped when running in short mode, or if the integration env var is
// not set.
func RequireDatabase(t *testing.T) *sqlx.DB {
	if testing.Short() || os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping database test: set %s and run without -short to enable", IntegrationEnv)
	}

	name := fmt.Sprintf("hoard_test_%d_%d", os.Getpid(), dbNumber.Add(1))
	config := manager.provisionDB(t, name)

	db, err := sqlx.Connect(database.SqlDialect, config.DSN())
	if err != nil {
		t.Fatalf("failed to connect to provisioned database '%s': %s", name, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		manager.dropDB(t, name)
	})

	return db
}

func (manager *databaseManager) provisionDB(t *testing.T, databaseName string) database.DatabaseConfig {
	manager.Lock()
	defer manager.Unlock()

	if manager.connection == nil {
		t.Log("Database provisioning request received but manager not started yet. Initializing database management...")
		manager.spawnPostgres(t)
		manager.connect(t)
		manager.markMasterDB(t)
		t.Log("Database management initialised!")
	}

	_, err := manager.connection.Exec(fmt.Sprintf(`CREATE DATABASE "%s" TEMPLATE "%s"`, databaseName, MasterDBName))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			t.Logf("Database '%s' already provisioned. Reusing database", databaseName)
		} else {
			t.Fatalf("failed to provision database '%s' from template '%s': (%T) %s", databaseName, MasterDBName, err, err)
		}
	}

	config := manager.config
	config.Name = databaseName
	return config
}

func (manager *databaseManager) dropDB(t *testing.T, databaseName string) {
	manager.Lock()
	defer manager.Unlock()

	if manager.connection == nil {
		return
	}

	if _, err := manager.connection.Exec(fmt.Sprintf(`DROP DATABASE IF EXISTS "%s" WITH (FORCE)`, databaseName)); err != nil {
		t.Logf("WARNING: failed to drop test database '%s': %s", databaseName, err)
	}
}

func (manager *databaseManager) connect(t *testing.T) {
	host, err := manager.pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres container host: %s", err)
	}

	port, err := manager.pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres container port: %s", err)
	}

	manager.config = database.DatabaseConfig{
		User:     User,
		Password: Password,
		Name:     MasterDBName,
		Host:     host,
		Port:     port.Port(),
		SSLMode:  "disable",
	}

	db, err := sqlx.Open(database.SqlDialect, manager.config.DSN())
	if err != nil {
		t.Fatalf("failed to open postgres connection: %s", err)
	}

	for attempt := 1; ; attempt++ {
		err := db.Ping()
		if err == nil {
			break
		}

		if attempt == 3 {
			t.Fatalf("all database connection attempts FAILED: %s", err)
		}

		t.Logf("DB connection attempt (%v/3) failed... Retrying in 3s", attempt)
		time.Sleep(3 * time.Second)
	}

	t.Log("Database connection established!")
	manager.connection = db
}

func (manager *databaseManager) markMasterDB(t *testing.T) {
	t.Log("Migrating master database...")
	if err := database.Migrate(manager.connection.DB); err != nil {
		t.Fatalf("failed to migrate master database: %s", err)
	}

	// Templates cannot be copied while any session is connected to them.
	if _, err := manager.connection.Exec(fmt.Sprintf(`ALTER DATABASE "%s" WITH is_template TRUE`, MasterDBName)); err != nil {
		t.Fatalf("failed to mark master database (%s) as template: %s", MasterDBName, err)
	}

	_ = manager.connection.Close()
	maintenance := manager.config
	maintenance.Name = "postgres"
	db, err := sqlx.Connect(database.SqlDialect, maintenance.DSN())
	if err != nil {
		t.Fatalf("failed to connect to maintenance database: %s", err)
	}

	manager.connection = db
}

func (manager *databaseManager) spawnPostgres(t *testing.T) {
	if manager.pgContainer != nil && manager.pgContainer.IsRunning() {
		t.Log("WARNING: ignoring request to spawn PG container, container already running")
		return
	}

	postgresC, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:14.1-alpine"),
		postgres.WithDatabase(MasterDBName),
		postgres.WithUsername(User),
		postgres.WithPassword(Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.Tmpfs = map[string]string{"/var/lib/postgresql/data": "rw"}
		}),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
		return
	}

	// Reaped by testcontainers when the test binary exits.
	manager.pgContainer = postgresC
}
