package observability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/gemledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

func newObservedRecorder(test *testing.T) (*OperationRecorder, *observer.ObservedLogs) {
	test.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return NewOperationRecorder(zap.New(core), "gemtest"), logs
}

func TestLogOperationSuccess(test *testing.T) {
	recorder, logs := newObservedRecorder(test)
	userID, err := ledger.NewUserID("user-1")
	require.NoError(test, err)

	recorder.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "reserve",
		UserID:    userID,
		Amount:    30,
		Status:    "ok",
		Duration:  3 * time.Millisecond,
	})

	require.Equal(test, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(test, zapcore.InfoLevel, entry.Level)
	require.Equal(test, "user-1", entry.ContextMap()["user_id"])
	require.Equal(test, float64(1), testutil.ToFloat64(recorder.operations.WithLabelValues("reserve", "ok", "", "false")))
	require.Equal(test, float64(30), testutil.ToFloat64(recorder.gems.WithLabelValues("reserve")))
}

func TestLogOperationLevels(test *testing.T) {
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "conflict", err: fmt.Errorf("%w: stale", ledger.ErrConcurrencyConflict), level: zapcore.WarnLevel},
		{name: "insufficient", err: &ledger.InsufficientFundsError{Available: 1, Requested: 2}, level: zapcore.WarnLevel},
		{name: "store failure", err: &ledger.BatchFailedError{Partition: "u", Cause: fmt.Errorf("disk")}, level: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			recorder, logs := newObservedRecorder(test)
			recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "finalize", Status: "error", Error: testCase.err})
			require.Equal(test, 1, logs.Len())
			require.Equal(test, testCase.level, logs.All()[0].Level)
			require.Equal(test, float64(0), testutil.ToFloat64(recorder.gems.WithLabelValues("finalize")))
		})
	}
}

func TestConflictCounter(test *testing.T) {
	recorder, _ := newObservedRecorder(test)
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "cancel", Status: "error", Error: ledger.ErrConcurrencyConflict})
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "cancel", Status: "ok"})
	require.Equal(test, float64(1), testutil.ToFloat64(recorder.conflicts))
}

func TestRecorderIsWiredIntoService(test *testing.T) {
	recorder, logs := newObservedRecorder(test)
	service, err := ledger.NewService(memstore.New(), time.Now, ledger.WithOperationLogger(recorder))
	require.NoError(test, err)

	userID, err := ledger.NewUserID("user-9")
	require.NoError(test, err)
	amount, err := ledger.NewPositiveGems(100)
	require.NoError(test, err)
	_, err = service.Grant(context.Background(), userID, amount, ledger.IdempotencyKey{}, ledger.MetadataJSON{})
	require.NoError(test, err)

	require.Equal(test, 1, logs.FilterField(zap.String("operation", "grant")).Len())
	require.Equal(test, float64(100), testutil.ToFloat64(recorder.gems.WithLabelValues("grant")))
}

func TestHandlerExposesMetrics(test *testing.T) {
	recorder, _ := newObservedRecorder(test)
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "reserve", Status: "ok", Amount: 5})

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()
	response, err := http.Get(server.URL)
	require.NoError(test, err)
	defer response.Body.Close()
	require.Equal(test, http.StatusOK, response.StatusCode)

	count, err := testutil.GatherAndCount(recorder.Registry(), "gemtest_ledger_operations_total")
	require.NoError(test, err)
	require.Equal(test, 1, count)
}
