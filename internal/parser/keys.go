package parser

import (
	"fmt"
	"strings"

	"github.com/slsolucije/astlog/internal/model"
)

// KeyExtractor derives the correlation key for an event. The exact token
// that ties SIP traffic to CDR rows differs between deployments, so the
// strategy is configurable. AltKey exposes a secondary token from the
// other key space, or "" when the strategy has only one; the correlator
// uses it to route events whose primary keys never coincide (Call-ID
// keyed signaling versus channel-keyed CDR rows).
type KeyExtractor interface {
	Key(ev *model.Event) string
	AltKey(ev *model.Event) string
	Name() string
}

// NewKeyExtractor resolves a strategy by name: call-id, channel, auto.
func NewKeyExtractor(name string) (KeyExtractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return autoKey{}, nil
	case "call-id", "callid":
		return callIDKey{}, nil
	case "channel":
		return channelKey{}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q (want auto, call-id or channel)", name)
	}
}

// callIDKey keys sessions on the SIP Call-ID header.
type callIDKey struct{}

func (callIDKey) Name() string { return "call-id" }

func (callIDKey) Key(ev *model.Event) string { return ev.CallID }

func (callIDKey) AltKey(*model.Event) string { return "" }

// channelKey keys sessions on the channel base name.
type channelKey struct{}

func (channelKey) Name() string { return "channel" }

func (channelKey) Key(ev *model.Event) string { return ChannelBase(ev.Channel) }

func (channelKey) AltKey(*model.Event) string { return "" }

// autoKey prefers Call-ID and falls back to the channel base name,
// so CDR rows (which carry no Call-ID) still land in the same key space.
type autoKey struct{}

func (autoKey) Name() string { return "auto" }

func (autoKey) Key(ev *model.Event) string {
	if ev.CallID != "" {
		return ev.CallID
	}
	return ChannelBase(ev.Channel)
}

// AltKey surfaces the channel base whenever the primary key is a
// Call-ID. Canonical CDR rows carry no Call-ID and key on the channel
// base, so this is the token that ties the two together.
func (autoKey) AltKey(ev *model.Event) string {
	if ev.CallID == "" {
		return ""
	}
	return ChannelBase(ev.Channel)
}

// ChannelBase strips the technology prefix's path and the per-call
// instance suffix: "SIP/1001-0000abcd" -> "1001".
func ChannelBase(channel string) string {
	if channel == "" {
		return ""
	}
	name := channel
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndexByte(name, '-'); idx > 0 {
		name = name[:idx]
	}
	return name
}
