package internal

import (
	// Registered for the watermill sql and riverqueue publishers, which open
	// database/sql handles by driver name ("mysql", "postgres" or "pgx").
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)
