package examples

import (
	"context"

	"github.com/wtfsayo/mcpay-sub002/internal/observability"
)

// OpenTelemetryHook emits events to OpenTelemetry traces.
// This is a template implementation - requires OpenTelemetry SDK integration.
//
// To use this hook:
//  1. Import OpenTelemetry SDK: "go.opentelemetry.io/otel"
//  2. Initialize OTEL tracer provider in main()
//  3. Register this hook with the observability registry
//
// Example integration:
//
//	import (
//	    "go.opentelemetry.io/otel"
//	    "go.opentelemetry.io/otel/exporters/jaeger"
//	    "go.opentelemetry.io/otel/sdk/trace"
//	)
//
//	func main() {
//	    exporter, _ := jaeger.New(jaeger.WithCollectorEndpoint())
//	    tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
//	    otel.SetTracerProvider(tp)
//
//	    hook := examples.NewOpenTelemetryHook()
//	    registry.RegisterPaymentHook(hook)
//	}
type OpenTelemetryHook struct {
	// Add OTEL tracer reference here when integrating
	// tracer trace.Tracer
}

// NewOpenTelemetryHook creates a hook that emits events to OpenTelemetry.
func NewOpenTelemetryHook() *OpenTelemetryHook {
	return &OpenTelemetryHook{}
}

func (h *OpenTelemetryHook) Name() string {
	return "opentelemetry"
}

// ===============================================
// PaymentHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnPaymentStarted(ctx context.Context, event observability.PaymentStartedEvent) {
	// Example OpenTelemetry integration:
	//
	// ctx, span := h.tracer.Start(ctx, "payment.process",
	//     trace.WithAttributes(
	//         attribute.String("payment.id", event.PaymentID),
	//         attribute.String("payment.method", event.Method),
	//         attribute.String("payment.resource", event.ResourceID),
	//         attribute.Int64("payment.amount", event.Amount),
	//         attribute.String("payment.token", event.Token),
	//         attribute.String("payment.wallet", event.Wallet),
	//     ),
	// )
	// defer span.End()
	//
	// // Store span in context for OnPaymentCompleted
	// ctx = context.WithValue(ctx, "otel_span", span)
}

func (h *OpenTelemetryHook) OnPaymentCompleted(ctx context.Context, event observability.PaymentCompletedEvent) {
	// Example OpenTelemetry integration:
	//
	// // Retrieve span from context (set in OnPaymentStarted)
	// span, ok := ctx.Value("otel_span").(trace.Span)
	// if !ok {
	//     return
	// }
	//
	// span.SetAttributes(
	//     attribute.Bool("payment.success", event.Success),
	//     attribute.Int64("payment.duration_ms", event.Duration.Milliseconds()),
	//     attribute.String("payment.tx_id", event.TransactionID),
	// )
	//
	// if !event.Success {
	//     span.RecordError(fmt.Errorf("payment failed: %s", event.ErrorReason))
	//     span.SetStatus(codes.Error, event.ErrorReason)
	// } else {
	//     span.SetStatus(codes.Ok, "payment successful")
	// }
}

func (h *OpenTelemetryHook) OnPaymentSettled(ctx context.Context, event observability.PaymentSettledEvent) {
	// Example OpenTelemetry integration:
	//
	// ctx, span := h.tracer.Start(ctx, "payment.settlement",
	//     trace.WithAttributes(
	//         attribute.String("payment.id", event.PaymentID),
	//         attribute.String("payment.network", event.Network),
	//         attribute.String("payment.tx_id", event.TransactionID),
	//         attribute.Int("payment.confirmations", event.Confirmations),
	//         attribute.Int64("settlement.duration_ms", event.SettlementDuration.Milliseconds()),
	//     ),
	// )
	// defer span.End()
}

// ===============================================
// WebhookHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnWebhookQueued(ctx context.Context, event observability.WebhookQueuedEvent) {
	// Create span for webhook queueing with event metadata
}

func (h *OpenTelemetryHook) OnWebhookDelivered(ctx context.Context, event observability.WebhookDeliveredEvent) {
	// Track successful webhook delivery with span attributes
}

func (h *OpenTelemetryHook) OnWebhookFailed(ctx context.Context, event observability.WebhookFailedEvent) {
	// Record webhook failure as error span
}

func (h *OpenTelemetryHook) OnWebhookRetried(ctx context.Context, event observability.WebhookRetriedEvent) {
	// Track retry events with backoff information
}

// ===============================================
// RefundHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnRefundRequested(ctx context.Context, event observability.RefundRequestedEvent) {
	// Create span for refund request
}

func (h *OpenTelemetryHook) OnRefundProcessed(ctx context.Context, event observability.RefundProcessedEvent) {
	// Track refund processing outcome with span
}

// ===============================================
// CartHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnCartCreated(ctx context.Context, event observability.CartCreatedEvent) {
	// Track cart creation event
}

func (h *OpenTelemetryHook) OnCartCheckout(ctx context.Context, event observability.CartCheckoutEvent) {
	// Track checkout attempts with outcome
}

// ===============================================
// RPCHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnRPCCall(ctx context.Context, event observability.RPCCallEvent) {
	// Track RPC call as child span with latency
}

// ===============================================
// DatabaseHook Implementation
// ===============================================

func (h *OpenTelemetryHook) OnDatabaseQuery(ctx context.Context, event observability.DatabaseQueryEvent) {
	// Track database queries with operation and backend
}
