package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spacemeshos/go-treerpc/jsonrpc"
)

type traced struct {
	name   string
	t      jsonrpc.Transport
	logger *zap.Logger
}

// Traced logs every message passing through t at debug level. Outbound messages
// are logged as "-(name)->", inbound ones as "<-(name)-".
func Traced(name string, t jsonrpc.Transport, logger *zap.Logger) jsonrpc.Transport {
	return &traced{name: name, t: t, logger: logger}
}

func (t *traced) Send(ctx context.Context, msg jsonrpc.Message) error {
	err := t.t.Send(ctx, msg)
	t.logger.Debug(fmt.Sprintf("-(%s)->", t.name),
		zap.String("kind", kindOf(msg)),
		zap.Stringer("message", describe{msg}),
		zap.Error(err),
	)
	return err
}

func (t *traced) Receive(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := t.t.Receive(ctx)
	if err != nil {
		t.logger.Debug(fmt.Sprintf("<-(%s)-", t.name), zap.Error(err))
		return msg, err
	}
	t.logger.Debug(fmt.Sprintf("<-(%s)-", t.name),
		zap.String("kind", kindOf(msg)),
		zap.Stringer("message", describe{msg}),
	)
	return msg, nil
}

type describe struct {
	msg jsonrpc.Message
}

func (d describe) String() string {
	return fmt.Sprint(d.msg)
}

func kindOf(msg jsonrpc.Message) string {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		if m.IsNotification() {
			return "notification"
		}
		return "request"
	case *jsonrpc.Success:
		return "response"
	case *jsonrpc.Error:
		return "error"
	default:
		return "unknown"
	}
}
