package testing

import (
	"context"
	"eth-indexer/config"

	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// PostgresContainer wraps a throwaway PostgreSQL server.
type PostgresContainer struct {
	container *postgres.PostgresContainer
	database  string
}

// StartPostgres launches a PostgreSQL container with an empty database.
func StartPostgres(ctx context.Context, database string) (*PostgresContainer, error) {
	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(database),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		return nil, errors.Wrap(err, "start postgres container")
	}
	return &PostgresContainer{container: ctr, database: database}, nil
}

// DBConfig points a database configuration at the container. Tables are
// dropped on the first connect.
func (c *PostgresContainer) DBConfig(ctx context.Context) (config.DBConfig, error) {
	host, err := c.container.Host(ctx)
	if err != nil {
		return config.DBConfig{}, err
	}
	port, err := c.container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return config.DBConfig{}, err
	}

	return config.DBConfig{
		Host:             host,
		Port:             port.Int(),
		Database:         c.database,
		Username:         "postgres",
		Password:         "postgres",
		SSLMode:          "disable",
		CreateTableOrder: config.DefaultCreateTableOrder,
		NbOfConnections:  2,
		Version:          "1",
		DropTableAtStart: true,
	}, nil
}

func (c *PostgresContainer) Terminate() error {
	return testcontainers.TerminateContainer(c.container)
}
