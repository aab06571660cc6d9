package stream

import "encoding/json"

// Reconciler is the write surface the client may use on shared state.
// Implementations must be total: every call succeeds, and replaying a call
// leaves state as if it had been applied once.
type Reconciler interface {
	// ApplyProgress replaces the installation progress wholesale.
	ApplyProgress(step string, progress int, message string)
	// ApplyPrinterStatus upserts the status of one printer.
	ApplyPrinterStatus(printerID string, status json.RawMessage)
	// ApplyErrorNotice overwrites the outstanding error notice.
	ApplyErrorNotice(message, details string)
	// SetConnected records transport liveness.
	SetConnected(connected bool)
}

// dispatch decodes one inbound frame and routes it to exactly one
// transition. Frames that fail to decode and envelopes of unknown type are
// logged and dropped; neither touches the reconciler.
func (c *Client) dispatch(frame []byte) {
	env, err := UnmarshalEnvelope(frame)
	if err != nil {
		c.logger.Warn("discarding malformed frame", "error", err, "bytes", len(frame))
		return
	}

	switch env.Type {
	case MessageTypeInstallationProgress:
		p, err := env.InstallationProgressData()
		if err != nil {
			c.logger.Warn("discarding envelope", "type", env.Type, "error", err)
			return
		}
		c.store.ApplyProgress(p.Step, p.Percent(), p.Message)

	case MessageTypePrinterStatus:
		s, err := env.PrinterStatusData()
		if err != nil {
			c.logger.Warn("discarding envelope", "type", env.Type, "error", err)
			return
		}
		c.store.ApplyPrinterStatus(s.PrinterID, s.Status)

	case MessageTypeError:
		n, err := env.ErrorNoticeData()
		if err != nil {
			c.logger.Warn("discarding envelope", "type", env.Type, "error", err)
			return
		}
		c.store.ApplyErrorNotice(n.Message, n.Details)

	case MessageTypePong:
		c.logger.Debug("pong received")

	default:
		c.logger.Warn("dropping envelope of unknown type", "type", env.Type)
	}
}
