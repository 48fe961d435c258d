package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mutt/pipeline/internal/event"
)

func TestSQLStoreLoadSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ruleCols := []string{"id", "match_string", "trap_oid", "syslog_severity",
		"match_type", "priority", "prod_handling", "dev_handling", "team_assignment", "is_active"}
	mock.ExpectQuery("SELECT id, COALESCE").WillReturnRows(
		sqlmock.NewRows(ruleCols).
			AddRow(1, "link down", "", "", "CONTAINS", 10, "PAGE_AND_TICKET", "IGNORE", "NETENG", true).
			AddRow(2, "", "1.3.6.1", "", "OID_PREFIX", 20, "TICKET_ONLY", "IGNORE", "NETENG", true).
			AddRow(3, "retired", "", "", "CONTAINS", 5, "PAGE_ONLY", "IGNORE", "NETENG", false))
	mock.ExpectQuery("SELECT hostname FROM dev_hosts").WillReturnRows(
		sqlmock.NewRows([]string{"hostname"}).AddRow("lab-01"))
	mock.ExpectQuery("SELECT hostname, team FROM team_mappings").WillReturnRows(
		sqlmock.NewRows([]string{"hostname", "team"}).AddRow("db-01", "DBA"))

	snap, err := NewSQLStore(db).LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Rules, 2, "inactive rule dropped")
	assert.Equal(t, int64(1), snap.Rules[0].ID)
	assert.Equal(t, event.DecisionPageAndTicket, snap.Rules[0].ProdHandling)
	assert.True(t, snap.DevHosts["lab-01"])
	assert.Equal(t, "DBA", snap.Teams["db-01"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreLoadSnapshotPropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, COALESCE").WillReturnError(errors.New("connection refused"))

	_, err = NewSQLStore(db).LoadSnapshot(context.Background())
	assert.ErrorContains(t, err, "load rules")
}
