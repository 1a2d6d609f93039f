package dbconn

import (
	"errors"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
)

func TestCanRetryError(t *testing.T) {
	assert.True(t, canRetryError(mssql.Error{Number: errDeadlockVictim}))
	assert.True(t, canRetryError(mssql.Error{Number: errServiceBusy}))
	assert.False(t, canRetryError(mssql.Error{Number: 208})) // invalid object name
	assert.False(t, canRetryError(errors.New("plain error")))
}

func TestNewDBConfig(t *testing.T) {
	config := NewDBConfig()
	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, "lakemirror", config.AppName)
}
