package domain

// DatabaseDriver represents the engine of an external laboratory
// information system (LIS) database.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// DatabaseConnection holds the metadata for connecting to a LIS database.
// The password is resolved separately through a secret store.
type DatabaseConnection struct {
	Name     string         `json:"name"`
	Driver   DatabaseDriver `json:"driver"`
	Host     string         `json:"host"`     // hostname or file path (sqlite)
	Port     int            `json:"port"`     // 0 for sqlite or driver default
	Database string         `json:"database"` // db name or empty for sqlite
	Username string         `json:"username"`
	SSLMode  string         `json:"sslMode"`
}

// ID is the name the connection is registered under; "lis" when unnamed.
func (c *DatabaseConnection) ID() string {
	if c.Name == "" {
		return "lis"
	}
	return c.Name
}

// SecretKey is the key under which the connection's password is stored.
func (c *DatabaseConnection) SecretKey() string {
	return c.ID() + "_password"
}
