// Package relay implements provider.InferenceProvider by forwarding a
// request to another TensorZero gateway's /inference endpoint, letting
// gateways compose into a tree. Grounded on
// features/model/gateway/remote_client.go's RemoteClient: the transport is
// injected as a plain function so tests can substitute a fake without
// standing up a real HTTP server.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tensorzero/tensorzero-sub020/internal/provider"
	"github.com/tensorzero/tensorzero-sub020/internal/types"
)

// RoundTripFunc performs one HTTP round trip to the upstream gateway's
// /inference endpoint and returns the raw response body.
type RoundTripFunc func(ctx context.Context, body []byte) (respBody []byte, err error)

// Provider forwards inference requests to another gateway.
type Provider struct {
	gatewayURL string
	roundTrip  RoundTripFunc
}

// New builds a relay provider pointed at gatewayURL. When roundTrip is nil, a
// net/http-based default is used.
func New(gatewayURL string, roundTrip RoundTripFunc) (*Provider, error) {
	if gatewayURL == "" {
		return nil, errors.New("relay: gateway url is required")
	}
	if roundTrip == nil {
		roundTrip = defaultRoundTrip(gatewayURL)
	}
	return &Provider{gatewayURL: gatewayURL, roundTrip: roundTrip}, nil
}

func defaultRoundTrip(gatewayURL string) RoundTripFunc {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, body []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/inference", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("relay: upstream gateway returned status %d: %s", resp.StatusCode, respBody)
		}
		return respBody, nil
	}
}

// relayRequestBody excludes extra_body and extra_headers by construction:
// the relay provider never forwards them, since the upstream gateway has its
// own variant/model configuration that owns those concerns.
type relayRequestBody struct {
	Messages     []types.Message `json:"messages"`
	System       string          `json:"system,omitempty"`
	Stream       bool            `json:"stream"`
	FunctionType types.FunctionType `json:"function_type"`
}

func (p *Provider) validate(req *types.ModelInferenceRequest) error {
	if len(req.ExtraBody) > 0 {
		return errors.New("relay: extra_body is not supported when forwarding to another gateway")
	}
	if len(req.ExtraHeaders) > 0 {
		return errors.New("relay: extra_headers is not supported when forwarding to another gateway")
	}
	return nil
}

func (p *Provider) Infer(ctx context.Context, req *types.ModelInferenceRequest) (*types.ProviderInferenceResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	body, err := json.Marshal(relayRequestBody{Messages: req.Messages, System: req.System, FunctionType: req.FunctionType})
	if err != nil {
		return nil, fmt.Errorf("relay: marshal request: %w", err)
	}
	start := time.Now()
	respBody, err := p.roundTrip(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("relay: round trip: %w", err)
	}
	var decoded struct {
		Content []types.ContentBlockChatOutput `json:"content"`
		Usage   types.Usage                    `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("relay: decode upstream response: %w", err)
	}
	output := make([]types.ContentBlock, 0, len(decoded.Content))
	for _, c := range decoded.Content {
		if c.Type == "text" {
			output = append(output, types.TextBlock{Text: c.Text})
		}
	}
	return &types.ProviderInferenceResponse{
		Output:       output,
		InputMessage: req.Messages,
		RawRequest:   string(body),
		RawResponse:  string(respBody),
		Usage:        decoded.Usage,
		FinishReason: types.FinishReasonStop,
		Latency:      types.Latency{ResponseTime: time.Since(start).Milliseconds()},
	}, nil
}

// InferStream always returns an error: the relay provider forwards
// non-streaming requests only, and no other layer forwards a streaming
// request to the upstream gateway.
func (p *Provider) InferStream(ctx context.Context, req *types.ModelInferenceRequest) (provider.ProviderStream, string, error) {
	return nil, "", errors.New("relay: streaming is not supported")
}
