// Package db is the Postgres repository layer. Every other package talks
// to storage through Client's typed methods, never through a raw *sql.DB,
// so that tests can substitute go-sqlmock and the circuit breaker can
// degrade every call uniformly.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/circuitbreaker"
)

// Config holds database connection configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// Client manages the database connection pool and the async ledger-write
// queue.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	sqlxdb *sqlx.DB
	logger *zap.Logger
	config *Config

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest is an async write operation queued for a background worker.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

// WriteType enumerates the kinds of writes the queue accepts.
type WriteType int

const (
	WriteTypeUsageLedgerEntry WriteType = iota
	WriteTypeUsageEvent
	WriteTypeBatch
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeUsageLedgerEntry:
		return "UsageLedgerEntry"
	case WriteTypeUsageEvent:
		return "UsageEvent"
	case WriteTypeBatch:
		return "Batch"
	default:
		return "Unknown"
	}
}

// NewClient opens a connection pool and starts the async write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	rawDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapped.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         wrapped,
		sqlxdb:     sqlx.NewDb(rawDB, "postgres"),
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    10,
		stopCh:     make(chan struct{}),
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	c.logger.Debug("write worker started", zap.Int("worker_id", id))

	batchBuffer := make([]WriteRequest, 0, 100)
	batchTicker := time.NewTicker(1 * time.Second)
	defer batchTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batchBuffer)
			c.logger.Info("write worker stopped", zap.Int("worker_id", id))
			c.workerWg.Done()
			return

		case req := <-c.writeQueue:
			switch req.Type {
			case WriteTypeBatch:
				batchBuffer = append(batchBuffer, req)
				if len(batchBuffer) >= 100 {
					c.processBatch(batchBuffer)
					batchBuffer = batchBuffer[:0]
				}
			default:
				c.processWrite(req)
			}

		case <-batchTicker.C:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
				batchBuffer = batchBuffer[:0]
			}
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeUsageLedgerEntry:
		if entry, ok := req.Data.(*UsageLedgerRow); ok {
			err = c.SaveUsageLedgerEntry(context.Background(), entry)
		}
	case WriteTypeUsageEvent:
		if ev, ok := req.Data.(*UsageEventRow); ok {
			err = c.SaveUsageEvent(context.Background(), ev)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) processBatch(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}
	c.logger.Debug("processing batch writes", zap.Int("count", len(batch)))

	entries := make([]*UsageLedgerRow, 0, len(batch))
	for _, req := range batch {
		if e, ok := req.Data.(*UsageLedgerRow); ok {
			entries = append(entries, e)
		}
	}
	if len(entries) > 0 {
		if err := c.BatchSaveUsageLedgerEntries(context.Background(), entries); err != nil {
			c.logger.Error("failed to batch save usage ledger entries", zap.Error(err))
		}
	}
}

func (c *Client) drainQueue(batchBuffer []WriteRequest) {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("timeout draining write queue")
			return
		default:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
			}
			return
		}
	}
}

// QueueWrite enqueues a write, falling back to a synchronous write if the
// queue is momentarily full rather than dropping the record.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	select {
	case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
		return nil
	default:
		c.logger.Warn("write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
		return nil
	}
}

// QueueWriteWithRetry retries enqueueing briefly before falling back to a
// synchronous write.
func (c *Client) QueueWriteWithRetry(writeType WriteType, data interface{}, callback func(error)) error {
	const maxRetries = 3
	const retryDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
			return nil
		default:
			if attempt < maxRetries-1 {
				time.Sleep(retryDelay)
				continue
			}
			c.logger.Warn("write queue full after retries, using synchronous fallback",
				zap.String("type", writeType.String()), zap.Int("attempts", maxRetries))
			c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
			return nil
		}
	}
	return nil
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close drains the write queue and closes the connection pool.
func (c *Client) Close() error {
	c.logger.Info("shutting down database client")
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("database client closed")
	return nil
}

// GetDB returns the underlying *sql.DB for direct queries.
func (c *Client) GetDB() *sql.DB {
	return c.db.GetDB()
}

// GetSqlx returns the sqlx handle repository methods use for struct scans.
func (c *Client) GetSqlx() *sqlx.DB {
	return c.sqlxdb
}

// WithTransactionCB runs fn inside a circuit-breaker-protected transaction.
func (c *Client) WithTransactionCB(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Wrapper exposes the underlying DatabaseWrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
