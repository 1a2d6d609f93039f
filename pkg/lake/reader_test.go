package lake

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDuckTypeName(t *testing.T) {
	assert.Equal(t, "INTEGER", duckTypeName("INT"))
	assert.Equal(t, "BIGINT", duckTypeName("BIGINT"))
	assert.Equal(t, "BOOLEAN", duckTypeName("BIT"))
	assert.Equal(t, "DOUBLE", duckTypeName("FLOAT"))
	assert.Equal(t, "TIMESTAMP", duckTypeName("DATETIME2"))
	assert.Equal(t, "BLOB", duckTypeName("ROWVERSION"))
	assert.Equal(t, "VARCHAR", duckTypeName("NVARCHAR"))
	assert.Equal(t, "VARCHAR", duckTypeName("UNIQUEIDENTIFIER"))
	assert.Equal(t, "DECIMAL(38,9)", duckTypeName("DECIMAL"))
}

func TestNormalizeForDuck(t *testing.T) {
	assert.Equal(t, "abc", normalizeForDuck([]byte("abc"), "VARCHAR"))
	assert.Equal(t, []byte{1, 2}, normalizeForDuck([]byte{1, 2}, "BLOB"))
	assert.Equal(t, int64(5), normalizeForDuck(int64(5), "BIGINT"))
	assert.Nil(t, normalizeForDuck(nil, "VARCHAR"))
}
