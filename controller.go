package ecsviewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Message is the transport framing shared by the browser extension relay
// and the dashboard frontend: a method name and its payload.
type Message struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message methods.
const (
	MethodRefreshData   = "refreshData"
	MethodComponentOver = string(SignalComponentOver)
	MethodQueryOver     = string(SignalQueryOver)
	MethodSystemOver    = string(SignalSystemOver)
	MethodToggleGraphs  = string(SignalGraphsToggled)
	MethodHighlight     = "highlight"
	MethodLinkMinMax    = "linkMinMax"
	MethodShowPoolGraph = "showPoolGraph"
	MethodDumpState     = "dumpState"
)

// ErrUnknownMethod is returned for a message whose method is not recognised.
type ErrUnknownMethod struct {
	Method string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("ecsviewer: unknown method %q", e.Method)
}

// Controller turns transport messages into processor deliveries, highlight
// signals and option toggles. It holds no state of its own.
type Controller struct {
	processor  *Processor
	propagator *Propagator
	logger     *slog.Logger
}

// NewController creates a controller. logger may be nil.
func NewController(proc *Processor, prop *Propagator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{processor: proc, propagator: prop, logger: logger}
}

type groupToggle struct {
	Group PanelGroup `json:"group"`
	Value *bool      `json:"value"`
}

// Handle applies msg. The reply is non-nil only for dumpState.
func (c *Controller) Handle(ctx context.Context, msg Message) (json.RawMessage, error) {
	switch msg.Method {
	case MethodRefreshData:
		return nil, c.processor.Deliver(ctx, msg.Data)

	case MethodComponentOver:
		var names []string
		if err := decodeData(msg, &names); err != nil {
			return nil, err
		}
		c.publish(ComponentOver{Names: names})

	case MethodQueryOver:
		var refs []QueryRef
		if err := decodeData(msg, &refs); err != nil {
			return nil, err
		}
		c.publish(QueryOver{Queries: c.resolveQueryRefs(refs)})

	case MethodSystemOver:
		var items []json.RawMessage
		if err := decodeData(msg, &items); err != nil {
			return nil, err
		}
		systems, err := c.resolveSystems(items)
		if err != nil {
			return nil, err
		}
		c.publish(SystemOver{Systems: systems})

	case MethodToggleGraphs:
		t, err := decodeToggle(msg)
		if err != nil {
			return nil, err
		}
		c.publish(GraphsToggled{Group: t.Group, Visible: *t.Value})

	case MethodHighlight:
		on, err := decodeBool(msg)
		if err != nil {
			return nil, err
		}
		if c.propagator != nil {
			c.propagator.SetEnabled(on)
		}

	case MethodLinkMinMax:
		t, err := decodeToggle(msg)
		if err != nil {
			return nil, err
		}
		c.processor.SetLinkMinMax(t.Group, *t.Value)

	case MethodShowPoolGraph:
		on, err := decodeBool(msg)
		if err != nil {
			return nil, err
		}
		c.processor.SetShowPoolGraph(on)

	case MethodDumpState:
		dump, err := c.processor.DumpState()
		if err != nil {
			return nil, err
		}
		return dump, nil

	default:
		return nil, &ErrUnknownMethod{Method: msg.Method}
	}
	return nil, nil
}

func (c *Controller) publish(sig Signal) {
	if c.propagator == nil {
		c.logger.Debug("controller: no propagator, signal dropped", "signal", sig.Kind())
		return
	}
	c.propagator.Publish(sig)
}

// resolveQueryRefs maps keys to the current snapshot's records. Unknown
// keys are omitted.
func (c *Controller) resolveQueryRefs(refs []QueryRef) []QueryRecord {
	snap := c.processor.CurrentSnapshot()
	if snap == nil {
		return []QueryRecord{}
	}
	out := make([]QueryRecord, 0, len(refs))
	for _, ref := range refs {
		for _, q := range snap.Queries {
			if q.Key == ref.Key {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

// resolveSystems accepts system names or system objects. Objects without
// query references, and bare names, are looked up in the current snapshot.
func (c *Controller) resolveSystems(items []json.RawMessage) ([]SystemRecord, error) {
	snap := c.processor.CurrentSnapshot()
	out := make([]SystemRecord, 0, len(items))
	for _, raw := range items {
		var sys SystemRecord
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &sys.Name); err != nil {
				return nil, fmt.Errorf("%s: %w", MethodSystemOver, err)
			}
		} else if err := json.Unmarshal(raw, &sys); err != nil {
			return nil, fmt.Errorf("%s: %w", MethodSystemOver, err)
		}
		if sys.Queries == nil && snap != nil {
			if known, ok := snap.System(sys.Name); ok {
				sys = known
			}
		}
		out = append(out, sys)
	}
	return out, nil
}

func decodeData(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: missing data", msg.Method)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%s: %w", msg.Method, err)
	}
	return nil
}

// decodeBool rejects null so a missing value never reads as false.
func decodeBool(msg Message) (bool, error) {
	var on *bool
	if err := decodeData(msg, &on); err != nil {
		return false, err
	}
	if on == nil {
		return false, fmt.Errorf("%s: data must be a boolean", msg.Method)
	}
	return *on, nil
}

func decodeToggle(msg Message) (groupToggle, error) {
	var t groupToggle
	if err := decodeData(msg, &t); err != nil {
		return t, err
	}
	if !knownGroup(t.Group) {
		return t, fmt.Errorf("%s: unknown panel group %q", msg.Method, t.Group)
	}
	if t.Value == nil {
		return t, fmt.Errorf("%s: value must be a boolean", msg.Method)
	}
	return t, nil
}

func knownGroup(g PanelGroup) bool {
	for _, known := range PanelGroups {
		if g == known {
			return true
		}
	}
	return false
}
