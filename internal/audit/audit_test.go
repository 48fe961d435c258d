package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mutt/pipeline/internal/event"
)

func testRecord() Record {
	id := int64(3)
	return Record{
		RuleID:        &id,
		Decision:      event.DecisionPageAndTicket,
		Team:          "NETENG",
		Environment:   event.EnvProd,
		CorrelationID: "corr-1",
		RawPayload:    []byte(`{"hostname":"core-01"}`),
		PodID:         "pod-test",
	}
}

func TestWriteClassificationInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO event_audit").
		WithArgs(int64(3), "PAGE_AND_TICKET", "NETENG", "PROD", "corr-1",
			[]byte(`{"hostname":"core-01"}`), "pod-test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &Store{db: db, maxAttempts: 3, baseDelay: time.Millisecond}
	require.NoError(t, s.WriteClassification(context.Background(), testRecord()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteClassificationRetriesTransientFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO event_audit").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("INSERT INTO event_audit").WillReturnResult(sqlmock.NewResult(0, 1))

	s := &Store{db: db, maxAttempts: 3, baseDelay: time.Millisecond}
	require.NoError(t, s.WriteClassification(context.Background(), testRecord()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteClassificationExhaustsBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO event_audit").WillReturnError(errors.New("connection refused"))
	}

	s := &Store{db: db, maxAttempts: 3, baseDelay: time.Millisecond}
	err = s.WriteClassification(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted 3 attempts")
	assert.NoError(t, mock.ExpectationsWereMet())
}
