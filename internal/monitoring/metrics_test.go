package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.NotNil(t, m)
	assert.True(t, m.enabled)

	m2 := New(false)
	assert.NotNil(t, m2)
	assert.False(t, m2.enabled)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRequest("success", time.Second)
		m.RecordAttempt("transport_error")
		m.RecordAttemptStatus(503)
		m.RecordRotation()
		m.RecordRetryWait()
		m.RecordSoftBlock()
		m.RecordFanout("all_failed")
		m.RecordStreamBytes(1024)
		m.UpdateCredentialsAvailable(3)
	})
}

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()

	m := New(true)
	m.RecordRequest("success", 100*time.Millisecond)
	m.RecordRequest("success", 200*time.Millisecond)
	m.RecordRequest("service_unavailable", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues("service_unavailable")))
}

func TestRecordRequest_Disabled(t *testing.T) {
	RequestsTotal.Reset()

	m := New(false)
	m.RecordRequest("success", 100*time.Millisecond)

	assert.Equal(t, 0, testutil.CollectAndCount(RequestsTotal))
}

func TestRecordAttemptStatus(t *testing.T) {
	UpstreamAttemptsTotal.Reset()

	m := New(true)
	m.RecordAttemptStatus(503)
	m.RecordAttemptStatus(503)
	m.RecordAttempt("success")

	assert.Equal(t, 2.0, testutil.ToFloat64(UpstreamAttemptsTotal.WithLabelValues("503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(UpstreamAttemptsTotal.WithLabelValues("success")))
}

func TestRecordFanout(t *testing.T) {
	ProxyFanoutsTotal.Reset()

	m := New(true)
	m.RecordFanout("success")
	m.RecordFanout("all_failed")
	m.RecordFanout("all_failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(ProxyFanoutsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(ProxyFanoutsTotal.WithLabelValues("all_failed")))
}

func TestRecordStreamBytes(t *testing.T) {
	m := New(true)

	before := testutil.ToFloat64(StreamBytesTotal)
	m.RecordStreamBytes(4096)
	m.RecordStreamBytes(0)
	m.RecordStreamBytes(-1)

	assert.Equal(t, before+4096, testutil.ToFloat64(StreamBytesTotal))
}

func TestUpdateCredentialsAvailable(t *testing.T) {
	m := New(true)

	m.UpdateCredentialsAvailable(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(CredentialsAvailable))

	m.UpdateCredentialsAvailable(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(CredentialsAvailable))
}

func TestCounters(t *testing.T) {
	m := New(true)

	rotations := testutil.ToFloat64(CredentialRotationsTotal)
	waits := testutil.ToFloat64(RetryWaitsTotal)
	blocks := testutil.ToFloat64(SoftBlocksTotal)

	m.RecordRotation()
	m.RecordRetryWait()
	m.RecordRetryWait()
	m.RecordSoftBlock()

	assert.Equal(t, rotations+1, testutil.ToFloat64(CredentialRotationsTotal))
	assert.Equal(t, waits+2, testutil.ToFloat64(RetryWaitsTotal))
	assert.Equal(t, blocks+1, testutil.ToFloat64(SoftBlocksTotal))
}
