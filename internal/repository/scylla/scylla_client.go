package scylla

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authgate/internal/config"
)

// PreparedStatements holds the statements the token repository binds per
// call. Inserts run through logged batches instead, so they are not here.
type PreparedStatements struct {
	GetTokenByValue *gocql.Query
	GetOwnerIndex   *gocql.Query
	DeleteToken     *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	logger       *zap.Logger
	prepareMutex sync.Mutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		logger:  logger,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.GetTokenByValue = s.Session.Query(`
        SELECT token_value, account_id, kind, expires_at, used, created_at
        FROM security_tokens WHERE token_value = ?`)

	prepared.GetOwnerIndex = s.Session.Query(`
        SELECT token_value FROM security_tokens_by_owner
        WHERE account_id = ? AND kind = ?`)

	prepared.DeleteToken = s.Session.Query(`
        DELETE FROM security_tokens WHERE token_value = ?`)

	s.Prepared = prepared
	s.isPrepared = true
	return nil
}

func (s *ScyllaClient) HealthCheck() error {
	var now time.Time
	if err := s.Session.Query(`SELECT now() FROM system.local`).Scan(&now); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil && !s.Session.Closed() {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}
