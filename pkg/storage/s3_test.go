package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInvoiceKey(t *testing.T) {
	finalized := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	key := InvoiceKey("TLY-202603-0042", finalized)
	assert.Equal(t, "invoices/2026/03/TLY-202603-0042.json", key)
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, isNotFoundError(errors.New("operation error S3: HeadObject, https response error StatusCode: 404, NotFound")))
	assert.True(t, isNotFoundError(errors.New("NoSuchKey: The specified key does not exist")))
	assert.False(t, isNotFoundError(errors.New("AccessDenied")))
	assert.False(t, isNotFoundError(nil))
}
