package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the fixed version string both ends of a handshake
// must match exactly.
const ProtocolVersion = "gaovm.v1.2"

// HelloParams is the payload of a hello request.
type HelloParams struct {
	Protocol             string   `json:"protocol"`
	AuthToken            string   `json:"authToken,omitempty"`
	Capabilities         []string `json:"capabilities"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
}

// HelloResult is the payload of a successful hello response.
type HelloResult struct {
	Protocol              string   `json:"protocol"`
	Capabilities          []string `json:"capabilities"`
	AcceptedCapabilities  []string `json:"acceptedCapabilities"`
}

// Initiate sends a hello request and validates the response's protocol
// echoes ours. It does not itself enforce capability requirements on
// the response beyond returning it — callers that require specific
// capabilities check AcceptedCapabilities themselves.
func Initiate(ctx context.Context, ch *Channel, params HelloParams) (*HelloResult, error) {
	raw, rpcErr, err := ch.Call(ctx, "hello", params)
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	var result HelloResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode hello result: %w", err)
	}
	if result.Protocol != params.Protocol {
		return nil, NewError(CodeHandshakeFailed, fmt.Sprintf("protocol mismatch: peer replied %q", result.Protocol))
	}
	return &result, nil
}

// ResponderConfig describes how this side of a channel validates an
// inbound hello.
type ResponderConfig struct {
	Protocol string
	// ExpectedAuthToken, when non-empty, must match the peer's
	// authToken exactly (driver<->daemon channels). Empty means no
	// auth is required (client<->daemon channels).
	ExpectedAuthToken string
	// SupportedCapabilities is what this side is willing to serve.
	SupportedCapabilities []string
	// RequiredCapabilities is the minimum the peer must offer.
	RequiredCapabilities []string
}

// ArmHelloResponder registers the inbound-hello claim on ch immediately,
// before returning. Call this before sending any outbound message on ch
// that could provoke the peer into replying or opening its own hello —
// most notably the channel's own outbound hello on a bidirectional
// handshake — then pass the result to RespondArmed once that send is
// underway.
func ArmHelloResponder(ch *Channel) (*ArmedRequest, error) {
	return ch.ArmRequest("hello")
}

// Respond blocks for one inbound hello request (via ArmHelloResponder and
// RespondArmed),
// validates it against cfg, and replies with either a success result or
// a handshake-specific error. It returns the peer's offered
// capabilities on success.
//
// On a channel where only one side ever sends a hello (the client<->daemon
// control channel), Respond's own registration is sufficiently prompt.
// On a bidirectional channel where both sides send a hello, arm the
// responder with ArmHelloResponder before sending the outbound hello and
// use RespondArmed instead, so the inbound claim is registered before
// the peer could possibly reply.
func Respond(ctx context.Context, ch *Channel, cfg ResponderConfig) (peerCapabilities []string, err error) {
	armed, err := ArmHelloResponder(ch)
	if err != nil {
		return nil, fmt.Errorf("arming hello responder: %w", err)
	}
	return RespondArmed(ctx, armed, cfg)
}

// RespondArmed completes a hello response using a claim already
// registered via ArmHelloResponder, validating it against cfg and
// replying with either a success result or a handshake-specific error.
func RespondArmed(ctx context.Context, armed *ArmedRequest, cfg ResponderConfig) (peerCapabilities []string, err error) {
	ch := armed.c
	id, paramsRaw, err := armed.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for hello: %w", err)
	}
	var params HelloParams
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		ch.Reply(id, nil, NewError(CodeInvalidParams, "malformed hello params"))
		return nil, fmt.Errorf("decode hello params: %w", err)
	}

	if params.Protocol != cfg.Protocol {
		rpcErr := NewError(CodeHandshakeFailed, fmt.Sprintf("protocol mismatch: got %q, want %q", params.Protocol, cfg.Protocol))
		ch.Reply(id, nil, rpcErr)
		return nil, rpcErr
	}

	if cfg.ExpectedAuthToken != "" && params.AuthToken != cfg.ExpectedAuthToken {
		rpcErr := NewError(CodeAuthFailed, "auth token mismatch")
		ch.Reply(id, nil, rpcErr)
		return nil, rpcErr
	}

	accepted, ok := intersect(params.Capabilities, cfg.SupportedCapabilities)
	if !supersetOf(accepted, cfg.RequiredCapabilities) {
		rpcErr := NewError(CodeCapabilityMismatch, "peer does not offer required capabilities")
		ch.Reply(id, nil, rpcErr)
		return nil, rpcErr
	}
	_ = ok

	result := HelloResult{
		Protocol:             cfg.Protocol,
		Capabilities:         cfg.SupportedCapabilities,
		AcceptedCapabilities: accepted,
	}
	if err := ch.Reply(id, result, nil); err != nil {
		return nil, fmt.Errorf("reply hello: %w", err)
	}
	return params.Capabilities, nil
}

// Rehello answers a post-handshake repeat hello with the same shape as
// the original handshake response, echoing supported and intersecting
// it against whatever capabilities the caller offers this time.
func Rehello(params json.RawMessage, supported []string) (*HelloResult, *Error) {
	var hp HelloParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &hp); err != nil {
			return nil, NewError(CodeInvalidParams, "malformed hello params")
		}
	}
	accepted := supported
	if hp.Capabilities != nil {
		filtered, _ := intersect(hp.Capabilities, supported)
		accepted = filtered
	}
	return &HelloResult{
		Protocol:             ProtocolVersion,
		Capabilities:         supported,
		AcceptedCapabilities: accepted,
	}, nil
}

func intersect(a, b []string) ([]string, bool) {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

func supersetOf(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}
