package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
	"hotspot_billing/internal/testutil"
)

type callbackFixture struct {
	*orchestratorFixture
	device    *testutil.FakeDevice
	processor *services.CallbackProcessor
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	f := newOrchestratorFixture(t)
	device := testutil.NewFakeDevice()
	processor := services.NewCallbackProcessor(f.db, f.orch, device, f.clock, services.CallbackProcessorConfig{
		Timezone:      "Africa/Nairobi",
		DeviceTimeout: time.Second,
	}, zaptest.NewLogger(t), services.NewMetrics(prometheus.NewRegistry()))
	return &callbackFixture{orchestratorFixture: f, device: device, processor: processor}
}

// successPayload builds a Daraja success callback. transactionDate is local Nairobi time.
func successPayload(correlationID, receipt string, transactionDate int64) []byte {
	return []byte(fmt.Sprintf(`{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": %q,
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 50.00},
          {"Name": "MpesaReceiptNumber", "Value": %q},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": %d},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`, correlationID, receipt, transactionDate))
}

func failurePayload(correlationID string) []byte {
	return []byte(fmt.Sprintf(`{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": %q,
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`, correlationID))
}

func TestCallbackEndToEnd(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	txn := f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	// T0 is 10:00 UTC, 13:00 in Nairobi.
	result, err := f.processor.Process(ctx, successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeApplied, result.Outcome)
	assert.True(t, result.Granted)

	stored := testutil.Reload(t, f.db, txn.ID)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(t0.Add(time.Hour)), "expires_at = %s", stored.ExpiresAt)
	require.NotNil(t, stored.PaymentReference)
	assert.Equal(t, "QWE1", *stored.PaymentReference)

	grants := f.device.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", grants[0].HardwareAddress)
	assert.Equal(t, "10.5.50.7", grants[0].NetworkAddress)
	assert.Equal(t, fmt.Sprintf("txn:%d receipt:QWE1", txn.ID), grants[0].Comment)
	assert.Equal(t, 1, f.device.Closed())

	// Redelivery is acknowledged without a second grant.
	result, err = f.processor.Process(ctx, successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeDuplicate, result.Outcome)
	assert.Len(t, f.device.Grants(), 1)

	var history []models.PaymentCallbackHistory
	require.NoError(t, f.db.Order("id").Find(&history).Error)
	require.Len(t, history, 2)
	assert.Equal(t, models.CallbackOutcomeApplied, history[0].Outcome)
	assert.Equal(t, models.CallbackOutcomeDuplicate, history[1].Outcome)
	assert.Equal(t, "ABC123", history[0].CorrelationID)
}

func TestCallbackTransactionDateAsString(t *testing.T) {
	f := newCallbackFixture(t)
	txn := f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	payload := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":"0","CallbackMetadata":{"Item":[
		{"Name":"MpesaReceiptNumber","Value":"QWE1"},{"Name":"TransactionDate","Value":"20240501133000"}]}}}}`)
	_, err := f.processor.Process(context.Background(), payload)
	require.NoError(t, err)

	stored := testutil.Reload(t, f.db, txn.ID)
	require.NotNil(t, stored.PaymentTimestamp)
	assert.True(t, stored.PaymentTimestamp.Equal(t0.Add(30*time.Minute)))
}

func TestCallbackMissingTransactionDateUsesReceiptTime(t *testing.T) {
	f := newCallbackFixture(t)
	txn := f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")
	f.clock.Advance(5 * time.Minute)

	payload := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0,"CallbackMetadata":{"Item":[
		{"Name":"MpesaReceiptNumber","Value":"QWE1"}]}}}}`)
	_, err := f.processor.Process(context.Background(), payload)
	require.NoError(t, err)

	stored := testutil.Reload(t, f.db, txn.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(t0.Add(65*time.Minute)))
}

func TestCallbackFailureNeverTouchesDevice(t *testing.T) {
	f := newCallbackFixture(t)
	txn := f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	result, err := f.processor.Process(context.Background(), failurePayload("ABC123"))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeApplied, result.Outcome)
	assert.False(t, result.Granted)

	stored := testutil.Reload(t, f.db, txn.ID)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status)
	assert.Nil(t, stored.PaymentReference)
	assert.Nil(t, stored.ExpiresAt)
	assert.Zero(t, f.device.Sessions())

	// A late success for a failed payment is a duplicate.
	result, err = f.processor.Process(context.Background(), successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeDuplicate, result.Outcome)
	assert.Empty(t, f.device.Grants())
}

func TestCallbackGrantFailure(t *testing.T) {
	f := newCallbackFixture(t)
	f.device.FailGrants(true)
	txn := f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	result, err := f.processor.Process(context.Background(), successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.False(t, result.Granted)
	assert.Equal(t, models.TransactionStatusFailedAuthorization, result.Transaction.Status)

	stored := testutil.Reload(t, f.db, txn.ID)
	assert.Equal(t, models.TransactionStatusFailedAuthorization, stored.Status)
	// The payment happened; its record stays.
	require.NotNil(t, stored.PaymentReference)
	assert.Equal(t, "QWE1", *stored.PaymentReference)
	assert.NotNil(t, stored.ExpiresAt)

	// No automatic retry on redelivery.
	f.device.FailGrants(false)
	result, err = f.processor.Process(context.Background(), successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeDuplicate, result.Outcome)
	assert.Len(t, f.device.Grants(), 1)
}

func TestCallbackUnknownCorrelationID(t *testing.T) {
	f := newCallbackFixture(t)

	_, err := f.processor.Process(context.Background(), successPayload("MISSING", "QWE1", 20240501130000))
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Zero(t, f.device.Sessions())

	var history models.PaymentCallbackHistory
	require.NoError(t, f.db.First(&history).Error)
	assert.Equal(t, models.CallbackOutcomeNotFound, history.Outcome)
	assert.Nil(t, history.TransactionID)
}

func TestCallbackMalformed(t *testing.T) {
	f := newCallbackFixture(t)
	f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `ResultCode=0`},
		{name: "empty object", payload: `{}`},
		{name: "missing correlation id", payload: `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{name: "missing result code", payload: `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123"}}}`},
		{name: "success without receipt", payload: `{"Body":{"stkCallback":{"CheckoutRequestID":"ABC123","ResultCode":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.Process(context.Background(), []byte(tt.payload))
			assert.ErrorIs(t, err, services.ErrValidation)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&models.PaymentCallbackHistory{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, models.TransactionStatusPending, testutil.Reload(t, f.db, 1).Status)
}

func TestCallbackConcurrentDuplicatesGrantOnce(t *testing.T) {
	f := newCallbackFixture(t)
	f.prompted(t, "AA:BB:CC:DD:EE:FF", "ABC123")

	const deliveries = 6
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.Process(context.Background(), successPayload("ABC123", "QWE1", 20240501130000))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.device.Grants(), 1)

	var applied int64
	require.NoError(t, f.db.Model(&models.PaymentCallbackHistory{}).Where("outcome = ?", models.CallbackOutcomeApplied).Count(&applied).Error)
	assert.Equal(t, int64(1), applied)
}

func TestCallbackReusedReceiptIsAcknowledged(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	first := f.prompted(t, "AA:BB:CC:DD:EE:01", "ABC123")
	second := f.prompted(t, "AA:BB:CC:DD:EE:02", "XYZ789")

	_, err := f.processor.Process(ctx, successPayload("ABC123", "QWE1", 20240501130000))
	require.NoError(t, err)

	result, err := f.processor.Process(ctx, successPayload("XYZ789", "QWE1", 20240501130000))
	require.NoError(t, err)
	assert.Equal(t, models.CallbackOutcomeConflict, result.Outcome)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, second.ID, result.Transaction.ID)
	assert.False(t, result.Granted)

	assert.Equal(t, models.TransactionStatusCompleted, testutil.Reload(t, f.db, first.ID).Status)
	stored := testutil.Reload(t, f.db, second.ID)
	assert.Equal(t, models.TransactionStatusPending, stored.Status)
	assert.Nil(t, stored.PaymentReference)
	assert.Len(t, f.device.Grants(), 1)

	var history models.PaymentCallbackHistory
	require.NoError(t, f.db.Where("correlation_id = ?", "XYZ789").First(&history).Error)
	assert.Equal(t, models.CallbackOutcomeConflict, history.Outcome)
	require.NotNil(t, history.TransactionID)
	assert.Equal(t, second.ID, *history.TransactionID)
}
