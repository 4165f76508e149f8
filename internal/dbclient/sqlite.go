package dbclient

import (
	"bactdb/internal/domain"

	_ "modernc.org/sqlite"
)

// newSQLiteConnector creates a connector for a LIS extract kept as a
// SQLite file. The file is opened read-only.
func newSQLiteConnector(conn *domain.DatabaseConnection) (*sqlConnector, error) {
	dsn := "file:" + conn.Host + "?mode=ro&_pragma=busy_timeout(5000)"
	return newSQLConnector("sqlite", dsn)
}
