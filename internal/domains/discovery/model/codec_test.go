package model

import (
	"errors"
	"testing"
)

func evmRequirements() Requirements {
	return Requirements{
		Technologies: []TechnologyRequirement{{Type: "evm", Interfaces: []string{"eip-1193"}, Features: []string{}}},
		Features:     []string{},
	}
}

func TestDecodeEventRoundTripsRequestVariant(t *testing.T) {
	payload, err := EncodeEvent(&RequestEvent{
		SessionID:     "6f1c2a3e-4b5d-4e6f-8a9b-0c1d2e3f4a5b",
		Origin:        "https://dapp.example",
		InitiatorInfo: InitiatorInfo{Name: "Example dApp", URL: "https://dapp.example"},
		Required:      evmRequirements(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := event.(*RequestEvent)
	if !ok {
		t.Fatalf("expected *RequestEvent, got %T", event)
	}
	if req.Type != EventRequest || req.Version != ProtocolVersion {
		t.Fatalf("unexpected envelope: type=%q version=%q", req.Type, req.Version)
	}
	if req.Origin != "https://dapp.example" {
		t.Fatalf("unexpected origin %q", req.Origin)
	}
}

func TestDecodeEventRejectsMajorVersionMismatch(t *testing.T) {
	payload := []byte(`{"type":"discovery:wallet:request","version":"2.0.0","sessionId":"s","origin":"https://a.example","required":{"technologies":[{"type":"evm","interfaces":[]}],"features":[]}}`)
	if _, err := DecodeEvent(payload); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeEventAcceptsMinorVersionDrift(t *testing.T) {
	payload := []byte(`{"type":"discovery:wallet:request","version":"1.4.2","sessionId":"s","origin":"https://a.example","required":{"technologies":[{"type":"evm","interfaces":[]}],"features":[]}}`)
	if _, err := DecodeEvent(payload); err != nil {
		t.Fatalf("expected minor version drift to decode, got %v", err)
	}
}

func TestDecodeEventRejectsMalformedShapes(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing session":   `{"type":"discovery:wallet:request","version":"1.0.0","origin":"https://a.example","required":{"technologies":[{"type":"evm","interfaces":[]}]}}`,
		"no interface list": `{"type":"discovery:wallet:request","version":"1.0.0","sessionId":"s","origin":"https://a.example","required":{"technologies":[{"type":"evm"}]}}`,
		"response no match": `{"type":"discovery:wallet:response","version":"1.0.0","sessionId":"s","responderId":"r"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEvent([]byte(raw)); !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"discovery:wallet:ping","version":"1.0.0"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestRequirementsValidate(t *testing.T) {
	if err := (Requirements{}).Validate(); !errors.Is(err, ErrInvalidRequirements) {
		t.Fatalf("empty requirements must be rejected, got %v", err)
	}
	req := Requirements{Technologies: []TechnologyRequirement{{Type: "evm"}}}
	if err := req.Validate(); !errors.Is(err, ErrInvalidRequirements) {
		t.Fatalf("nil interface list must be rejected, got %v", err)
	}
	req = evmRequirements()
	req.Networks = []string{"eip155:1"}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid requirements, got %v", err)
	}
	req.Networks = []string{"mainnet"}
	if err := req.Validate(); !errors.Is(err, ErrInvalidRequirements) {
		t.Fatalf("non namespaced network must be rejected, got %v", err)
	}
}

func TestTransportConfigValidateParsesEndpoints(t *testing.T) {
	cfg := &TransportConfig{Type: "waku", Endpoints: []string{"/ip4/127.0.0.1/tcp/60000"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
	cfg.Endpoints = append(cfg.Endpoints, "not-a-multiaddr")
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTransportConfig) {
		t.Fatalf("expected ErrInvalidTransportConfig, got %v", err)
	}
}
