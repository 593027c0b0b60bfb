package sqlstore

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the handful of SQL differences between supported drivers.
type dialect struct {
	name string
	// lockSuffix is appended to SELECTs that must hold the row until commit.
	lockSuffix string
	// insertIgnore is the INSERT prefix that skips unique violations.
	insertIgnore string
	// onConflictIgnore is the suffix counterpart of insertIgnore.
	onConflictIgnore string
	// returningID reports whether INSERT ... RETURNING id is used instead of LastInsertId.
	returningID bool
	schema      string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return dialect{
			name:             "postgres",
			lockSuffix:       " FOR UPDATE",
			insertIgnore:     "INSERT INTO",
			onConflictIgnore: " ON CONFLICT DO NOTHING",
			returningID:      true,
			schema:           "schema/postgres.sql",
		}, nil
	case "mysql":
		return dialect{
			name:         "mysql",
			lockSuffix:   " FOR UPDATE",
			insertIgnore: "INSERT IGNORE INTO",
			schema:       "schema/mysql.sql",
		}, nil
	case "sqlite3", "sqlite":
		// SQLite serializes writers on the database lock; the version column
		// still guards against stale reads taken before the transaction.
		return dialect{
			name:         "sqlite3",
			insertIgnore: "INSERT OR IGNORE INTO",
			schema:       "schema/sqlite3.sql",
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// isUniqueViolation reports whether err is a unique constraint failure for
// any supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
