package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Dialect names reported by gorm for the supported drivers.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the active database dialect name.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsFold returns a Where clause and argument matching rows whose column contains
// keyword, ignoring case. LIKE wildcards in keyword match literally.
// An empty keyword returns an empty clause.
func ContainsFold(conn *gorm.DB, column, keyword string) (string, string) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return "", ""
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(keyword)) + "%"
	if DialectName(conn) == DialectPostgres {
		return fmt.Sprintf(`%s ILIKE ? ESCAPE '\'`, column), pattern
	}
	return fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, column), pattern
}
