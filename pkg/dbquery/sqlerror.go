package dbquery

import (
	stderrors "errors"
	"regexp"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
)

// Operators signal intentional HTTP failures from SQL by raising a 50XXX
// error code; the XXX portion becomes the response status. Anything else is
// an internal failure.
var conventionalCode = regexp.MustCompile(`\b50(\d{3})\b`)

// conventionalStatus extracts a 50XXX code from a driver error. The lookup
// tries the driver's typed error first, then the message text.
func conventionalStatus(err error) (status int, message string, ok bool) {
	var sqlServerErr mssql.Error
	if stderrors.As(err, &sqlServerErr) {
		if s, ok := statusFromCode(int(sqlServerErr.Number)); ok {
			return s, sqlServerErr.Message, true
		}
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if code, convErr := strconv.Atoi(pgErr.Code); convErr == nil {
			if s, ok := statusFromCode(code); ok {
				return s, pgErr.Message, true
			}
		}
	}

	var mysqlErr *mysql.MySQLError
	if stderrors.As(err, &mysqlErr) {
		if s, ok := statusFromCode(int(mysqlErr.Number)); ok {
			return s, mysqlErr.Message, true
		}
	}

	if m := conventionalCode.FindStringSubmatch(err.Error()); m != nil {
		if s, convErr := strconv.Atoi(m[1]); convErr == nil && validStatus(s) {
			return s, err.Error(), true
		}
	}

	return 0, "", false
}

func statusFromCode(code int) (int, bool) {
	if code < 50100 || code > 50599 {
		return 0, false
	}
	s := code - 50000
	if !validStatus(s) {
		return 0, false
	}
	return s, true
}

func validStatus(s int) bool {
	return s >= 100 && s <= 599
}
