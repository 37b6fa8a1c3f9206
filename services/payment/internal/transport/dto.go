package transport

import "github.com/Skotchmaster/bonebuddy/services/payment/internal/models"

type CreateOrderRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	PaymentType string `json:"payment_type"`
	// PaymentRecordID reuses an earlier pending payment instead of creating
	// a new one.
	PaymentRecordID string `json:"payment_record_id,omitempty"`
}

type OrderResponse struct {
	GatewayOrderID  string `json:"gateway_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PaymentRecordID string `json:"payment_record_id"`
	PublicKey       string `json:"public_key"`
}

type VerifyRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
	PaymentRecordID  string `json:"payment_record_id"`
}

type RefundRequest struct {
	// Amount is optional; nil refunds the whole payment.
	Amount *int64 `json:"amount,omitempty"`
}

// RefundResponse is the refunded record. RefundPending is set when the
// gateway did not confirm the refund and a webhook will settle it.
type RefundResponse struct {
	*models.Payment
	RefundPending bool `json:"refund_pending,omitempty"`
}

type ListResponse struct {
	Items []models.Payment `json:"items"`
	Total int64            `json:"total"`
	Page  int              `json:"page"`
	Size  int              `json:"size"`
}

// Webhook is the subset of the gateway webhook envelope the service reads.
type Webhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string `json:"id"`
				OrderID  string `json:"order_id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
				Status   string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
				Amount    int64  `json:"amount"`
				Receipt   string `json:"receipt"`
				Status    string `json:"status"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}
