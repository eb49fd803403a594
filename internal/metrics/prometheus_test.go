package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAPICall(t *testing.T) {
	before := testutil.ToFloat64(APICallsTotal.WithLabelValues("TestEndpoint", "success"))
	RecordAPICall("TestEndpoint", "success", 0.5)
	after := testutil.ToFloat64(APICallsTotal.WithLabelValues("TestEndpoint", "success"))
	assert.Equal(t, before+1, after)
}

func TestRecordUpsert(t *testing.T) {
	before := testutil.ToFloat64(RecordsUpserted.WithLabelValues("test__table"))
	RecordUpsert("test__table", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(RecordsUpserted.WithLabelValues("test__table")))
}

func TestRecordRun_SetsLastSuccess(t *testing.T) {
	RecordRun("test", "success", 1)
	assert.Greater(t, testutil.ToFloat64(LastSuccessfulRun), float64(0))
}

func TestRecordSummary(t *testing.T) {
	before := testutil.ToFloat64(SummariesTotal.WithLabelValues("failed"))
	RecordSummary("failed")
	assert.Equal(t, before+1, testutil.ToFloat64(SummariesTotal.WithLabelValues("failed")))
}
