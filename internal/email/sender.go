package email

import (
	"context"
	"errors"
)

// Sender define la interfaz para el correo de bienvenida tras un registro.
type Sender interface {
	SendWelcome(ctx context.Context, toEmail, username string) error
}

// ErrDisabled indica que no hay transporte de correo configurado.
var ErrDisabled = errors.New("email sender disabled")

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendWelcome(_ context.Context, _ string, _ string) error {
	if s.reason == "" {
		return ErrDisabled
	}
	return errors.Join(ErrDisabled, errors.New(s.reason))
}
