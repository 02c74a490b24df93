package lark

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

type fakeSender struct {
	idType, id, msgType, content string
	err                          error
}

func (f *fakeSender) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	f.idType, f.id, f.msgType, f.content = receiveIDType, receiveID, msgType, content
	return "om_1", f.err
}

func failedRun() *entity.RunRecord {
	return &entity.RunRecord{
		ID:          "run-1",
		File:        "OC-1.json",
		OrderNumber: "OC-1",
		Status:      entity.RunStatusFailed,
		RetryCount:  3,
		Error:       `form "Orden de venta" not reached`,
		DurationSec: 42.25,
	}
}

func TestNotifier_NotifyFailure(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, Config{ReceiveID: "oc_ops"}, zap.NewNop())

	require.NoError(t, n.NotifyFailure(context.Background(), failedRun()))
	assert.Equal(t, "chat_id", sender.idType)
	assert.Equal(t, "oc_ops", sender.id)
	assert.Equal(t, "text", sender.msgType)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(sender.content), &body))
	assert.Contains(t, body["text"], "ERP auto-entry failed: OC-1.json")
	assert.Contains(t, body["text"], "Order: OC-1")
	assert.Contains(t, body["text"], "Retries: 3")
	assert.Contains(t, body["text"], `Error: form "Orden de venta" not reached`)
}

func TestNotifier_Errors(t *testing.T) {
	ctx := context.Background()

	n := NewNotifier(&fakeSender{}, Config{}, zap.NewNop())
	assert.Error(t, n.NotifyFailure(ctx, failedRun()))

	n = NewNotifier(&fakeSender{}, Config{ReceiveID: "oc_ops"}, zap.NewNop())
	assert.Error(t, n.NotifyFailure(ctx, nil))

	boom := errors.New("rate limited")
	n = NewNotifier(&fakeSender{err: boom}, Config{ReceiveID: "oc_ops", ReceiveIDType: "email"}, zap.NewNop())
	assert.ErrorIs(t, n.NotifyFailure(ctx, failedRun()), boom)
}
