package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nervehq/nerve/pkg/nerveapi"
)

// apiClient is a thin HTTP client the CLI uses to talk to a running
// daemon's /api/command endpoint.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) call(ctx context.Context, cmdType nerveapi.CommandType, params any) (nerveapi.Reply, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nerveapi.Reply{}, fmt.Errorf("encode params: %w", err)
		}
		raw = encoded
	}

	req := nerveapi.Request{
		Version: nerveapi.ProtocolVersion,
		ID:      uuid.NewString(),
		Type:    cmdType,
		Params:  raw,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nerveapi.Reply{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/command", bytes.NewReader(body))
	if err != nil {
		return nerveapi.Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nerveapi.Reply{}, fmt.Errorf("daemon request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nerveapi.Reply{}, fmt.Errorf("read daemon response: %w", err)
	}

	var reply nerveapi.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nerveapi.Reply{}, fmt.Errorf("decode daemon response: %w", err)
	}
	if reply.Error != nil {
		return reply, fmt.Errorf("%s: %s", reply.Error.Code, reply.Error.Message)
	}
	return reply, nil
}

func printPayload(reply nerveapi.Reply) error {
	data, err := json.MarshalIndent(reply.Payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
