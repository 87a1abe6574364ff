package model

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	EventRequest  = "discovery:wallet:request"
	EventResponse = "discovery:wallet:response"

	ProtocolVersion = "1.0.0"
)

var ErrInvalidTransportConfig = errors.New("invalid transport config")

type InitiatorInfo struct {
	Name        string `json:"name" yaml:"name"`
	URL         string `json:"url" yaml:"url"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TransportConfig is carried back to the initiator untouched; discovery does
// not interpret it beyond shape checks on the responder side.
type TransportConfig struct {
	Type          string            `json:"type" yaml:"type"`
	ExtensionID   string            `json:"extensionId,omitempty" yaml:"extensionId,omitempty"`
	WalletAdapter string            `json:"walletAdapter,omitempty" yaml:"walletAdapter,omitempty"`
	Endpoints     []string          `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Options       map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

func (c *TransportConfig) Validate() error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTransportConfig)
	}
	for _, endpoint := range c.Endpoints {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(endpoint)); err != nil {
			return fmt.Errorf("%w: endpoint %q: %v", ErrInvalidTransportConfig, endpoint, err)
		}
	}
	return nil
}

func (c *TransportConfig) Clone() *TransportConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Endpoints = append([]string(nil), c.Endpoints...)
	if c.Options != nil {
		out.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			out.Options[k] = v
		}
	}
	return &out
}

// Event is either a *RequestEvent or a *ResponseEvent.
type Event interface {
	EventType() string
	Session() string
}

type RequestEvent struct {
	Type          string        `json:"type"`
	Version       string        `json:"version"`
	SessionID     string        `json:"sessionId"`
	Origin        string        `json:"origin"`
	InitiatorInfo InitiatorInfo `json:"initiatorInfo"`
	Required      Requirements  `json:"required"`
	Optional      *Preferences  `json:"optional,omitempty"`
}

func (e *RequestEvent) EventType() string { return EventRequest }
func (e *RequestEvent) Session() string   { return e.SessionID }

type ResponseEvent struct {
	Type            string           `json:"type"`
	Version         string           `json:"version"`
	SessionID       string           `json:"sessionId"`
	ResponderID     string           `json:"responderId"`
	Name            string           `json:"name"`
	Icon            string           `json:"icon"`
	RDNS            string           `json:"rdns"`
	Matched         *Intersection    `json:"matched"`
	TransportConfig *TransportConfig `json:"transportConfig,omitempty"`
	Networks        []string         `json:"networks,omitempty"`
}

func (e *ResponseEvent) EventType() string { return EventResponse }
func (e *ResponseEvent) Session() string   { return e.SessionID }

type ResponderInfo struct {
	ResponderID     string           `json:"responderId" yaml:"responderId"`
	Name            string           `json:"name" yaml:"name"`
	Icon            string           `json:"icon" yaml:"icon"`
	RDNS            string           `json:"rdns" yaml:"rdns"`
	Capabilities    Capabilities     `json:"capabilities" yaml:"capabilities"`
	TransportConfig *TransportConfig `json:"transportConfig,omitempty" yaml:"transportConfig,omitempty"`
}

func (i ResponderInfo) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return errors.New("responder name is required")
	}
	if strings.TrimSpace(i.RDNS) == "" {
		return errors.New("responder rdns is required")
	}
	if err := i.Capabilities.Validate(); err != nil {
		return err
	}
	return i.TransportConfig.Validate()
}

// QualifiedWallet is the initiator-side projection of the first accepted
// response from a responder in one session. It is never updated afterwards.
type QualifiedWallet struct {
	ResponderID     string           `json:"responderId"`
	Name            string           `json:"name"`
	Icon            string           `json:"icon"`
	RDNS            string           `json:"rdns"`
	SessionID       string           `json:"sessionId"`
	Matched         Intersection     `json:"matched"`
	Networks        []string         `json:"networks,omitempty"`
	TransportConfig *TransportConfig `json:"transportConfig,omitempty"`
	PreferenceScore int              `json:"preferenceScore"`
}
