package contact

import (
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"reconciler/pkg/platform/sentinel"
)

func TestPostgresRebind(t *testing.T) {
	got := PostgresDialect{}.Rebind(`SELECT 1 FROM contacts WHERE (email = ? OR phone_number = ?) AND id = ?`)
	assert.Equal(t, `SELECT 1 FROM contacts WHERE (email = $1 OR phone_number = $2) AND id = $3`, got)
	assert.Equal(t, `SELECT 1`, PostgresDialect{}.Rebind(`SELECT 1`))
}

func TestSQLiteRebindKeepsPlaceholders(t *testing.T) {
	q := `SELECT 1 WHERE id = ?`
	assert.Equal(t, q, SQLiteDialect{}.Rebind(q))
}

func TestPostgresClassify(t *testing.T) {
	d := PostgresDialect{}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: pgUniqueViolation}, sentinel.ErrConflict},
		{"serialization failure", &pq.Error{Code: pgSerializationFailure}, sentinel.ErrConflict},
		{"deadlock", &pq.Error{Code: pgDeadlockDetected}, sentinel.ErrConflict},
		{"lock not available", &pq.Error{Code: pgLockNotAvailable}, sentinel.ErrUnavailable},
		{"bad connection", driver.ErrBadConn, sentinel.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
			assert.True(t, sentinel.IsTransient(got))
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		syntax := &pq.Error{Code: "42601"}
		assert.Same(t, syntax, d.Classify(syntax))
		assert.False(t, sentinel.IsTransient(d.Classify(errors.New("boom"))))
		assert.NoError(t, d.Classify(nil))
	})
}

func TestSQLiteClassifyPassesThroughForeignErrors(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, err, SQLiteDialect{}.Classify(err))
	assert.NoError(t, SQLiteDialect{}.Classify(nil))
}

func TestNullTimeScan(t *testing.T) {
	var n nullTime
	assert.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)

	assert.NoError(t, n.Scan("2024-03-01 12:00:00+00:00"))
	assert.True(t, n.Valid)
	assert.Equal(t, 2024, n.Time.Year())

	assert.NoError(t, n.Scan([]byte("2024-03-01T12:00:00Z")))
	assert.Equal(t, 12, n.Time.Hour())

	assert.Error(t, n.Scan("yesterday"))
	assert.Error(t, n.Scan(3.5))
}
