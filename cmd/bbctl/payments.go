package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func paymentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "payments",
		Aliases: []string{"pay"},
		Short:   "Create, verify and inspect payments",
	}
	cmd.AddCommand(
		paymentsCreateCmd(a),
		paymentsVerifyCmd(a),
		paymentsGetCmd(a),
		paymentsListCmd(a),
		paymentsRefundCmd(a),
	)
	return cmd
}

func paymentsCreateCmd(a *app) *cobra.Command {
	var body struct {
		Amount          int64  `json:"amount,omitempty"`
		Currency        string `json:"currency,omitempty"`
		Description     string `json:"description,omitempty"`
		PaymentType     string `json:"payment_type"`
		PaymentRecordID string `json:"payment_record_id,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a payment order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := a.client.DoJSON(cmd.Context(), http.MethodPost, "/api/v1/payments/orders", body, &out); err != nil {
				return describe(err)
			}
			return a.print(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&body.PaymentType, "type", "", "payment type, e.g. consultation")
	f.Int64Var(&body.Amount, "amount", 0, "amount in minor units; optional for listed types")
	f.StringVar(&body.Currency, "currency", "", "ISO currency code")
	f.StringVar(&body.Description, "description", "", "free text shown on the receipt")
	f.StringVar(&body.PaymentRecordID, "record", "", "retry an earlier pending payment")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func paymentsVerifyCmd(a *app) *cobra.Command {
	var body struct {
		GatewayOrderID   string `json:"gateway_order_id"`
		GatewayPaymentID string `json:"gateway_payment_id"`
		Signature        string `json:"signature"`
		PaymentRecordID  string `json:"payment_record_id"`
	}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Confirm a checkout with the gateway signature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := a.client.DoJSON(cmd.Context(), http.MethodPost, "/api/v1/payments/verify", body, &out); err != nil {
				return describe(err)
			}
			return a.print(out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&body.PaymentRecordID, "record", "", "payment record id")
	f.StringVar(&body.GatewayOrderID, "order", "", "gateway order id")
	f.StringVar(&body.GatewayPaymentID, "payment", "", "gateway payment id")
	f.StringVar(&body.Signature, "signature", "", "checkout signature")
	for _, name := range []string{"record", "order", "payment", "signature"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func paymentsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := a.client.DoJSON(cmd.Context(), http.MethodGet, "/api/v1/payments/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return describe(err)
			}
			return a.print(out)
		},
	}
}

func paymentsListCmd(a *app) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your payments, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("size", strconv.Itoa(size))
			var out map[string]any
			if err := a.client.DoJSON(cmd.Context(), http.MethodGet, "/api/v1/payments?"+q.Encode(), nil, &out); err != nil {
				return describe(err)
			}
			return a.print(out)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 10, "page size")
	return cmd
}

func paymentsRefundCmd(a *app) *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "refund <id>",
		Short: "Refund a completed payment (staff only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("amount") {
				body["amount"] = amount
			}
			var out map[string]any
			if err := a.client.DoJSON(cmd.Context(), http.MethodPost, "/api/v1/payments/"+url.PathEscape(args[0])+"/refund", body, &out); err != nil {
				return describe(err)
			}
			return a.print(out)
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "partial amount in minor units; default is the full amount")
	return cmd
}
