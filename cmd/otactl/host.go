package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultHostAddr = "http://127.0.0.1:8099"

// hostClient talks to a running otahost control surface.
type hostClient struct {
	base string
	http *http.Client
}

func newHostClient(addr string) *hostClient {
	if addr == "" {
		addr = defaultHostAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &hostClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *hostClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return decodeHostResponse(resp, out)
}

func (c *hostClient) post(path string, body, out any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return decodeHostResponse(resp, out)
}

func decodeHostResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("host returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("host returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show loader and registry status of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status map[string]any
			if err := newHostClient(addr).get("/status", &status); err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultHostAddr, "host control surface address")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Trigger an immediate bundle check on a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result map[string]any
			if err := newHostClient(addr).post("/check", nil, &result); err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultHostAddr, "host control surface address")
	return cmd
}
