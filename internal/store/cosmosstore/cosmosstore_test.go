package cosmosstore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger/ledgertest"
)

const (
	cosmosEndpointEnv = "GEMLEDGER_TEST_COSMOS_ENDPOINT"
	cosmosKeyEnv      = "GEMLEDGER_TEST_COSMOS_KEY"
	cosmosDatabaseEnv = "GEMLEDGER_TEST_COSMOS_DATABASE"
)

func TestItemEnvelopeRoundTrip(test *testing.T) {
	createdAt := time.Date(2026, time.May, 1, 12, 0, 0, 123456789, time.UTC)
	document := ledger.Document{ID: "hold:ab", Type: ledger.DocumentTypeHold, CreatedAt: createdAt, Body: []byte(`{"amount":30,"id":"hold:ab"}`)}

	raw, err := encodeItem("user-1", document, time.Now())
	require.NoError(test, err)
	require.JSONEq(test, `{"id":"hold:ab","user_id":"user-1","docType":"hold","createdUnixNano":1777636800123456789,"body":{"amount":30,"id":"hold:ab"}}`, string(raw))

	stored := append(raw[:len(raw)-1], []byte(`,"_etag":"\"0a00-01\"","_ts":1}`)...)
	decoded, err := decodeItem(stored)
	require.NoError(test, err)
	require.Equal(test, document.ID, decoded.ID)
	require.Equal(test, ledger.DocumentTypeHold, decoded.Type)
	require.Equal(test, ledger.Version(`"0a00-01"`), decoded.Version)
	require.True(test, createdAt.Equal(decoded.CreatedAt))
	require.JSONEq(test, string(document.Body), string(decoded.Body))
}

func TestEncodeItemDefaults(test *testing.T) {
	fallback := time.Unix(1700000000, 0)
	raw, err := encodeItem("user-1", ledger.Document{ID: "evt:1", Type: ledger.DocumentTypeEvent}, fallback)
	require.NoError(test, err)
	decoded, err := decodeItem(raw)
	require.NoError(test, err)
	require.Equal(test, fallback.UnixNano(), decoded.CreatedAt.UnixNano())
	require.JSONEq(test, `{}`, string(decoded.Body))
}

func TestClassifyBatchFailure(test *testing.T) {
	operations := []ledger.Operation{
		ledger.CreateOperation(ledger.Document{ID: "evt:1"}),
		ledger.ReplaceOperation(ledger.Document{ID: "balance:u"}, `"etag"`),
		ledger.CreateOperation(ledger.Document{ID: "idem:k"}),
	}
	testCases := []struct {
		name     string
		statuses []int32
		wantErr  error
	}{
		{name: "stale balance", statuses: []int32{http.StatusFailedDependency, http.StatusPreconditionFailed, http.StatusFailedDependency}, wantErr: ledger.ErrVersionMismatch},
		{name: "idempotency record exists", statuses: []int32{http.StatusFailedDependency, http.StatusFailedDependency, http.StatusConflict}, wantErr: ledger.ErrDocumentExists},
		{name: "replace of missing item", statuses: []int32{http.StatusFailedDependency, http.StatusNotFound, http.StatusFailedDependency}, wantErr: ledger.ErrVersionMismatch},
	}
	for _, testCase := range testCases {
		results := make([]azcosmos.TransactionalBatchResult, len(testCase.statuses))
		for index, status := range testCase.statuses {
			results[index] = azcosmos.TransactionalBatchResult{StatusCode: status}
		}
		err := classifyBatchFailure(operations, results)
		require.ErrorIs(test, err, testCase.wantErr, testCase.name)
	}

	throttled := []azcosmos.TransactionalBatchResult{{StatusCode: http.StatusTooManyRequests}}
	err := classifyBatchFailure(operations, throttled)
	require.Error(test, err)
	require.False(test, ledger.IsConflict(err))
}

func TestStatusCode(test *testing.T) {
	require.Equal(test, http.StatusNotFound, statusCode(fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: http.StatusNotFound})))
	require.Equal(test, 0, statusCode(fmt.Errorf("plain")))
}

func TestConfigValidate(test *testing.T) {
	require.ErrorIs(test, Config{}.Validate(), ErrInvalidConfig)
	require.ErrorIs(test, Config{Endpoint: "https://example.documents.azure.com:443/", Database: "gems"}.Validate(), ErrInvalidConfig)
	require.NoError(test, Config{Endpoint: "https://example.documents.azure.com:443/", Database: "gems", Container: "ledger"}.Validate())
}

func TestCosmosConformance(test *testing.T) {
	endpoint := os.Getenv(cosmosEndpointEnv)
	key := os.Getenv(cosmosKeyEnv)
	databaseID := os.Getenv(cosmosDatabaseEnv)
	if endpoint == "" || key == "" || databaseID == "" {
		test.Skipf("%s, %s and %s must be set", cosmosEndpointEnv, cosmosKeyEnv, cosmosDatabaseEnv)
	}
	client, err := NewClient(Config{Endpoint: endpoint, Key: key, Database: databaseID, Container: "unused"})
	require.NoError(test, err)

	counter := 0
	ledgertest.Run(test, func(test *testing.T) ledger.DocumentStore {
		counter++
		containerID := fmt.Sprintf("ledger-test-%d-%d", time.Now().UnixNano(), counter)
		ctx := context.Background()
		require.NoError(test, Provision(ctx, client, databaseID, containerID))
		container, err := client.NewContainer(databaseID, containerID)
		require.NoError(test, err)
		test.Cleanup(func() { _, _ = container.Delete(context.Background(), nil) })
		return New(container)
	})
}
