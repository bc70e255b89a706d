package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// LogNotifier writes messages to the log instead of delivering them.
// Development use only; the message body, including the code, lands in
// the log output.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = util.Get()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg model.Message) error {
	n.logger.Info("Message logged instead of delivered",
		util.String("to", msg.To),
		util.String("subject", msg.Subject),
		util.String("body", msg.Text))
	return nil
}

func (n *LogNotifier) HealthCheck(context.Context) error { return nil }
