// Package signature checks the HMAC-SHA256 signatures the payment gateway
// attaches to checkout confirmations and webhooks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Compute returns hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func Compute(secret []byte, orderID, paymentID string) string {
	return sum(secret, []byte(orderID+"|"+paymentID))
}

// Verify compares in constant time.
func Verify(secret []byte, orderID, paymentID, sig string) bool {
	if len(secret) == 0 || sig == "" {
		return false
	}
	return hmac.Equal([]byte(Compute(secret, orderID, paymentID)), []byte(sig))
}

// VerifyWebhook checks the X-Razorpay-Signature header against the raw body.
func VerifyWebhook(secret, body []byte, sig string) bool {
	if len(secret) == 0 || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sum(secret, body)), []byte(sig))
}

func sum(secret, msg []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write(msg)
	return hex.EncodeToString(m.Sum(nil))
}
