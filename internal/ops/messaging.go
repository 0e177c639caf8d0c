// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"context"
	"fmt"

	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/telemetry"
)

// Messaging op names.
const (
	OpPostMessage = "postmessage"
	OpClose       = "close"
)

// MessagingGroup lets script code talk to its parent: postmessage sends a
// payload up the worker's channel and close asks the worker to finish.
func MessagingGroup() Group {
	return Group{
		Name: GroupMessaging,
		Build: func(h Host) []scriptenv.Op {
			return []scriptenv.Op{
				NewFunc(OpPostMessage, func(_ context.Context, hc *HandlerContext, args []string) error {
					return postMessage(h, hc, args[1:])
				}),
				NewFunc(OpClose, func(_ context.Context, _ *HandlerContext, args []string) error {
					if len(args) > 1 {
						return &UsageError{Usage: OpClose}
					}
					h.RequestClose()
					return nil
				}),
			}
		},
	}
}

// postMessage implements: postmessage [DATA...]
// With no arguments the payload is read from stdin.
func postMessage(h Host, hc *HandlerContext, args []string) error {
	data, err := payload(hc, args)
	if err != nil {
		return err
	}
	metrics := h.Shared().Metrics()
	if err := h.Port().Send(data); err != nil {
		metrics.SendFailures.WithLabelValues(sendFailureReason(err)).Inc()
		return fmt.Errorf("post to parent: %w", err)
	}
	metrics.Messages.WithLabelValues(telemetry.DirectionUp).Inc()
	return nil
}
