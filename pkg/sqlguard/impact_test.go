package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountQueryForDelete(t *testing.T) {
	// "status" is a keyword to the parser, so the canonical render quotes
	// it MySQL-style; Normalize turns that into the target dialect's form.
	table, countSQL, err := CountQuery("delete from orders where status = 'stale'")
	require.NoError(t, err)
	assert.Equal(t, "orders", table)
	assert.Equal(t, "select count(*) from orders where `status` = 'stale'", countSQL)
}

func TestCountQueryNormalizesForPostgres(t *testing.T) {
	_, countSQL, err := CountQuery("delete from orders where status = 'stale'")
	require.NoError(t, err)
	out, err := Normalize(countSQL, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `select count(*) from orders where "status" = 'stale'`, out)
}

func TestCountQueryForUpdate(t *testing.T) {
	table, countSQL, err := CountQuery("update users set active = 0 where last_login < '2024-01-01'")
	require.NoError(t, err)
	assert.Equal(t, "users", table)
	assert.Equal(t, "select count(*) from users where last_login < '2024-01-01'", countSQL)
}

func TestCountQueryWithoutWhereCountsWholeTable(t *testing.T) {
	table, countSQL, err := CountQuery("delete from sessions")
	require.NoError(t, err)
	assert.Equal(t, "sessions", table)
	assert.Equal(t, "select count(*) from sessions", countSQL)
}

func TestCountQueryRejectsReads(t *testing.T) {
	_, _, err := CountQuery("select id from users")
	require.Error(t, err)
}

func TestCountQueryRejectsUnparseableText(t *testing.T) {
	_, _, err := CountQuery("definitely not sql")
	require.Error(t, err)
}
