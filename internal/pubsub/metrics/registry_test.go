package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordConsumerPull(t *testing.T) {
	r := NewRegistry()

	r.RecordConsumerPull("orders-sub", 5, 3, map[string]int{"validation": 2}, time.Millisecond, nil)
	r.RecordConsumerPull("orders-sub", 0, 0, nil, time.Millisecond, nil)
	r.RecordConsumerPull("orders-sub", 0, 0, nil, time.Millisecond, errors.New("down"))

	assert.Equal(t, 5.0, testutil.ToFloat64(r.messagesPulled.WithLabelValues("orders-sub")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.messagesAcked.WithLabelValues("orders-sub")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.messagesSkipped.WithLabelValues("orders-sub", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pullTotal.WithLabelValues("orders-sub", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pullTotal.WithLabelValues("orders-sub", "empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pullTotal.WithLabelValues("orders-sub", "error")))
}

func TestRecordPublish(t *testing.T) {
	r := NewRegistry()

	r.RecordPublish("orders", "BINARY", "success", time.Millisecond)
	r.RecordPublish("orders", "BINARY", "encode_error", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.publishTotal.WithLabelValues("orders", "BINARY", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.publishTotal.WithLabelValues("orders", "BINARY", "encode_error")))
}

func TestServerHealthEndpoints(t *testing.T) {
	r := NewRegistry()
	r.RecordBrokerOperation("send", time.Millisecond, nil)
	s := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, r, zap.NewNop())

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	s.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/ready").Code)

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eventpipe_broker_operation_total")
}
