package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
)

// Notifier implements port.AlertNotifier with a Lark text message
type Notifier struct {
	sender        MessageSender
	receiveIDType string
	receiveID     string
	logger        *zap.Logger
}

// NewNotifier creates a notifier posting to the configured receiver
func NewNotifier(sender MessageSender, cfg Config, logger *zap.Logger) *Notifier {
	idType := cfg.ReceiveIDType
	if idType == "" {
		idType = "chat_id"
	}
	return &Notifier{
		sender:        sender,
		receiveIDType: idType,
		receiveID:     cfg.ReceiveID,
		logger:        logger,
	}
}

// NotifyFailure reports a run that ended without completing
func (n *Notifier) NotifyFailure(ctx context.Context, run *entity.RunRecord) error {
	if n.receiveID == "" {
		return errors.New("lark receiver is not configured")
	}
	if run == nil {
		return errors.New("run cannot be nil")
	}

	content, err := json.Marshal(map[string]string{"text": FormatFailure(run)})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	id, err := n.sender.SendMessage(ctx, n.receiveIDType, n.receiveID, "text", string(content))
	if err != nil {
		n.logger.Error("Failed to send failure alert", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}

	n.logger.Info("Failure alert sent", zap.String("run_id", run.ID), zap.String("message_id", id))
	return nil
}

// FormatFailure renders the alert text
func FormatFailure(run *entity.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ERP auto-entry %s: %s\n", strings.ToLower(run.Status), run.File)
	if run.OrderNumber != "" {
		fmt.Fprintf(&b, "Order: %s\n", run.OrderNumber)
	}
	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	fmt.Fprintf(&b, "Retries: %d\n", run.RetryCount)
	fmt.Fprintf(&b, "Duration: %.1fs\n", run.DurationSec)
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ port.AlertNotifier = (*Notifier)(nil)
