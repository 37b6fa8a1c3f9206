// Package otp generates one-time login codes and delivers them.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/Skotchmaster/bonebuddy/pkg/logging"
)

const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// NewCode returns a uniformly random 6-digit code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender writes a delivery notice to the log instead of sending an SMS.
// The code itself is logged only when ExposeCode is set, for local setups.
type LogSender struct {
	Logger     *slog.Logger
	ExposeCode bool
}

func (s *LogSender) Send(ctx context.Context, phone, code string) error {
	l := s.Logger
	if l == nil {
		l = logging.FromContext(ctx)
	}
	args := []any{"phone", logging.MaskPhone(phone)}
	if s.ExposeCode {
		args = append(args, "code", code)
	}
	l.Info("otp_dispatched", args...)
	return nil
}
