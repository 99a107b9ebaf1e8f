package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsWalksWrappedChain(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("add batch: %w", Busy("txmgr.AddBatch", cause))

	assert.True(t, Is(err, StoreBusy))
	assert.False(t, Is(err, BatchInsertFailed))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StoreBusy, CodeOf(err))
}

func TestIsNestedCodes(t *testing.T) {
	inner := Busy("db.RunTransaction", errors.New("locked"))
	outer := BatchFailed("txmgr.AddBatch", "b-1", 2, inner)

	assert.True(t, Is(outer, BatchInsertFailed))
	assert.True(t, Is(outer, StoreBusy))
	assert.Equal(t, BatchInsertFailed, CodeOf(outer))
}

func TestBatchErrorMessage(t *testing.T) {
	err := BatchFailed("txmgr.AddBatch", "meal-42", 1, errors.New("CHECK constraint failed"))
	assert.Equal(t, "txmgr.AddBatch [BATCH_INSERT_FAILED] batch=meal-42 index=1: CHECK constraint failed", err.Error())
}

func TestNilAndPlainErrors(t *testing.T) {
	assert.False(t, Is(nil, StoreBusy))
	assert.False(t, Is(errors.New("plain"), StoreBusy))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
