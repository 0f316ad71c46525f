package compensation

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/application"
	"github.com/DanielPopoola/ficmart-orchestrator/internal/domain"
)

// RegisterProviderHandlers wires the standard provider-side inverses:
// authorizations and initiated refunds are voided, captures are refunded.
// Handlers resolve the external reference at execution time because the
// inverse is registered before the forward call runs.
func RegisterProviderHandlers(reg *HandlerRegistry, port application.ProviderPort, logger *slog.Logger) {
	void := func(ctx context.Context, op *domain.CompensatingOperation) error {
		ref, ok, err := resolveRef(ctx, port, op)
		if err != nil {
			return err
		}
		if !ok {
			// No provider record: the forward call never landed.
			logger.Info("nothing to void", "op_id", op.ID, "transaction_id", op.TransactionID)
			return nil
		}
		_, err = port.VoidPayment(ctx, ref)
		return err
	}
	reg.Register(domain.OpPaymentAuthorize, void)
	reg.Register(domain.OpRefundInitiate, void)

	reg.Register(domain.OpPaymentCapture, func(ctx context.Context, op *domain.CompensatingOperation) error {
		ref, ok, err := resolveRef(ctx, port, op)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("nothing to refund", "op_id", op.ID, "transaction_id", op.TransactionID)
			return nil
		}
		amount, _ := strconv.ParseInt(op.Params["amountCents"], 10, 64)
		_, err = port.RefundPayment(ctx, ref, amount)
		return err
	})
}

func resolveRef(ctx context.Context, port application.ProviderPort, op *domain.CompensatingOperation) (string, bool, error) {
	if ref := op.Params["externalRef"]; ref != "" {
		return ref, true, nil
	}
	status, err := port.GetTransactionStatus(ctx, op.Params["transactionId"])
	if err != nil {
		return "", false, err
	}
	if status == nil {
		return "", false, nil
	}
	return status.Reference, true, nil
}
