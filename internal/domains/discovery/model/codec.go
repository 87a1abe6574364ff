package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedEvent  = errors.New("malformed discovery event")
	ErrUnknownEvent    = errors.New("unknown discovery event type")
	ErrVersionMismatch = errors.New("discovery protocol version mismatch")
)

const maxEventBytes = 64 * 1024

type envelope struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// DecodeEvent validates a raw payload once at the transport boundary.
// Callers switch on the concrete type of the returned Event.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) == 0 || len(payload) > maxEventBytes {
		return nil, fmt.Errorf("%w: payload size %d", ErrMalformedEvent, len(payload))
	}
	var head envelope
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !VersionCompatible(head.Version) {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, head.Version, ProtocolVersion)
	}

	switch head.Type {
	case EventRequest:
		var req RequestEvent
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := validateRequest(&req); err != nil {
			return nil, err
		}
		return &req, nil
	case EventResponse:
		var resp ResponseEvent
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if err := validateResponse(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
}

func EncodeEvent(event Event) ([]byte, error) {
	switch e := event.(type) {
	case *RequestEvent:
		e.Type = EventRequest
		if e.Version == "" {
			e.Version = ProtocolVersion
		}
		return json.Marshal(e)
	case *ResponseEvent:
		e.Type = EventResponse
		if e.Version == "" {
			e.Version = ProtocolVersion
		}
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

// VersionCompatible accepts any version sharing the major component of
// ProtocolVersion.
func VersionCompatible(version string) bool {
	got, ok := majorVersion(version)
	if !ok {
		return false
	}
	want, _ := majorVersion(ProtocolVersion)
	return got == want
}

func majorVersion(version string) (int, bool) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return 0, false
	}
	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func validateRequest(req *RequestEvent) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("%w: request without session id", ErrMalformedEvent)
	}
	if strings.TrimSpace(req.Origin) == "" {
		return fmt.Errorf("%w: request without origin", ErrMalformedEvent)
	}
	if err := req.Required.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func validateResponse(resp *ResponseEvent) error {
	if strings.TrimSpace(resp.SessionID) == "" {
		return fmt.Errorf("%w: response without session id", ErrMalformedEvent)
	}
	if strings.TrimSpace(resp.ResponderID) == "" {
		return fmt.Errorf("%w: response without responder id", ErrMalformedEvent)
	}
	if resp.Matched == nil || len(resp.Matched.Technologies) == 0 {
		return fmt.Errorf("%w: response without matched capabilities", ErrMalformedEvent)
	}
	return nil
}
