package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordExpired(t *testing.T) {
	before := testutil.ToFloat64(documentsExpired)

	RecordExpired(3)
	assert.Equal(t, before+3, testutil.ToFloat64(documentsExpired))

	// An empty sweep records nothing.
	RecordExpired(0)
	RecordExpired(-1)
	assert.Equal(t, before+3, testutil.ToFloat64(documentsExpired))
}
