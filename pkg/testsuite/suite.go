package testsuite

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/paybank/pkg/db"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// BaseSuite owns the containers shared by integration suites. Kafka and Redis
// are opt-in because most suites only need Postgres.
type BaseSuite struct {
	suite.Suite
	PgContainer    *postgres.PostgresContainer
	KafkaContainer *kafka.KafkaContainer
	RedisContainer *tcredis.RedisContainer
	DbPool         *pgxpool.Pool
	Redis          *redis.Client
	KafkaBrokers   []string
	Ctx            context.Context
}

type Options struct {
	Kafka bool
	Redis bool
}

func (s *BaseSuite) SetupInfrastructure(migrationsRelPath string, opts Options) {
	s.Ctx = context.Background()

	var err error
	s.PgContainer, err = postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.PgContainer.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.Require().NoError(db.Migrate(migrationsRelPath, connStr))

	s.DbPool, err = db.NewPostgresDB(s.Ctx, connStr)
	s.Require().NoError(err)

	if opts.Kafka {
		s.KafkaContainer, err = kafka.Run(
			s.Ctx,
			"confluentinc/cp-kafka:7.5.0",
			kafka.WithClusterID("test-cluster"),
		)
		s.Require().NoError(err)

		s.KafkaBrokers, err = s.KafkaContainer.Brokers(s.Ctx)
		s.Require().NoError(err)
	}

	if opts.Redis {
		s.RedisContainer, err = tcredis.Run(s.Ctx, "redis:7-alpine")
		s.Require().NoError(err)

		endpoint, err := s.RedisContainer.Endpoint(s.Ctx, "")
		s.Require().NoError(err)

		s.Redis = redis.NewClient(&redis.Options{Addr: endpoint})
		s.Require().NoError(s.Redis.Ping(s.Ctx).Err())
	}
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DbPool != nil {
		s.DbPool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}

	if s.PgContainer != nil {
		s.terminate(s.PgContainer)
	}
	if s.KafkaContainer != nil {
		s.terminate(s.KafkaContainer)
	}
	if s.RedisContainer != nil {
		s.terminate(s.RedisContainer)
	}
}

func (s *BaseSuite) terminate(c testcontainers.Container) {
	if err := c.Terminate(s.Ctx); err != nil {
		s.T().Logf("failed to terminate container: %v", err)
	}
}

func (s *BaseSuite) TruncateTables(tables ...string) {
	for _, table := range tables {
		_, err := s.DbPool.Exec(s.Ctx, fmt.Sprintf("TRUNCATE %s CASCADE", table))
		s.Require().NoError(err)
	}
}
