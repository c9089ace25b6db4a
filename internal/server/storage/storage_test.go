package storage

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudzz-dev/cldzshop/internal/server/apperr"
	"github.com/cloudzz-dev/cldzshop/internal/server/backend"
	"github.com/cloudzz-dev/cldzshop/internal/server/realtime"
)

func TestFailMapsDriverErrors(t *testing.T) {
	assert.NoError(t, fail(nil, "op"))
	assert.ErrorIs(t, fail(sql.ErrNoRows, "op"), backend.ErrNotFound)
	assert.ErrorIs(t, fail(errors.Wrap(sql.ErrNoRows, "inner"), "op"), backend.ErrNotFound)

	dup := &pq.Error{Code: uniqueViolation, Message: "duplicate key value"}
	err := fail(dup, "op")
	assert.ErrorIs(t, err, backend.ErrConflict)
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))

	assert.ErrorIs(t, fail(&pq.Error{Code: invalidTextFormat}, "op"), backend.ErrNotFound)

	other := fail(&pq.Error{Code: "42P01", Message: "undefined table"}, "store.Messages")
	assert.Contains(t, other.Error(), "store.Messages")
	assert.Equal(t, apperr.CodeUnknown, apperr.CodeOf(other))
}

func TestSchemaNotifiesMessageInserts(t *testing.T) {
	assert.Contains(t, schema, "pg_notify('"+realtime.MessageInsertChannel+"'")
	assert.Contains(t, schema, "AFTER INSERT ON messages")
	assert.True(t, strings.Contains(schema, "profiles_username_key"))
}

func TestMessageNotificationCarriesIDsOnly(t *testing.T) {
	start := strings.Index(schema, "FUNCTION notify_message_insert")
	require.NotEqual(t, -1, start)
	end := strings.Index(schema[start:], "$$ LANGUAGE")
	require.NotEqual(t, -1, end)
	body := schema[start : start+end]

	assert.Contains(t, body, "NEW.id")
	assert.Contains(t, body, "NEW.conversation_id")
	assert.NotContains(t, body, "NEW.content")
}
