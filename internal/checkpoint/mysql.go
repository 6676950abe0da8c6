package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"graphchat/internal/config"
)

const (
	defaultMySQLPort     = 3306
	defaultMySQLMaxConns = 20
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MySQLStore persists checkpoints to a MySQL table.
type MySQLStore struct {
	db    *sql.DB
	table string
}

// NewMySQLStore connects to MySQL, sizes the pool and creates the checkpoint table.
func NewMySQLStore(ctx context.Context, cfg config.DatabaseConfig) (*MySQLStore, error) {
	dsn, err := mysqlDSN(cfg)
	if err != nil {
		return nil, err
	}
	table, err := mysqlTable(cfg.SchemaName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = defaultMySQLMaxConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	store := &MySQLStore{db: db, table: table}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func mysqlDSN(cfg config.DatabaseConfig) (string, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return "", errors.New("mysql host must not be empty")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return "", errors.New("mysql database name must not be empty")
	}
	port := cfg.Port
	if port == 0 {
		port = defaultMySQLPort
	}

	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Name
	mc.ParseTime = true
	return mc.FormatDSN(), nil
}

// mysqlTable namespaces the table with the configured schema name.
func mysqlTable(schema string) (string, error) {
	if schema == "" {
		return "checkpoints", nil
	}
	if !tableNamePattern.MatchString(schema) {
		return "", fmt.Errorf("schema name %q must be a plain identifier", schema)
	}
	return schema + "_checkpoints", nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
        thread_id VARCHAR(64) PRIMARY KEY,
        data LONGBLOB NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+s.table+` WHERE thread_id = ?`, threadID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, threadID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.table+` (thread_id, data, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`,
		threadID, data, time.Now().Unix())
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return ErrStoreClosed
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
