package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

type SQLRepository struct {
	conn   *sql.DB
	driver string
}

// Open connects to the durable store for the given driver name.
func Open(driver, dsn string) (*SQLRepository, error) {
	switch driver {
	case "postgres":
		return NewPgRepository(dsn)
	case "sqlite3":
		return NewSQLiteRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func NewPgRepository(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{conn: db, driver: "postgres"}, nil
}

func NewSQLiteRepository(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection also keeps
	// in-memory databases alive across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLRepository{conn: db, driver: "sqlite3"}, nil
}

func (db *SQLRepository) Driver() string {
	return db.driver
}

func (db *SQLRepository) Ping() error {
	return db.conn.Ping()
}

func (db *SQLRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}
