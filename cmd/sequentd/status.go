// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 sequentdb Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sequentdb/sequentdb/internal/config"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
}

// statusResult is the outcome of probing a running sequentd's admin and
// observability HTTP surfaces.
type statusResult struct {
	Ready             bool   `json:"ready"`
	Subscriptions     int    `json:"subscriptions,omitempty"`
	Error             string `json:"error,omitempty"`
	AdminAddr         string `json:"admin_addr"`
	ObservabilityAddr string `json:"observability_addr"`
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running sequentd process",
		Long:  `Query a running sequentd's readiness probe and admin subscription list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	appCfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result := queryStatus(appCfg.ObservabilityAddr, appCfg.AdminAddr)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	if result.Error != "" {
		cmd.Printf("sequentd: unreachable (%s)\n", result.Error)
		return nil
	}
	cmd.Printf("sequentd: ready=%t subscriptions=%d\n", result.Ready, result.Subscriptions)
	return nil
}

// queryStatus probes the readiness endpoint at observabilityAddr and the
// subscription list at adminAddr, tolerating either being unreachable.
func queryStatus(observabilityAddr, adminAddr string) statusResult {
	result := statusResult{AdminAddr: adminAddr, ObservabilityAddr: observabilityAddr}

	client := &http.Client{Timeout: 2 * time.Second}

	readyResp, err := client.Get(fmt.Sprintf("http://%s/healthz/readiness", hostPort(observabilityAddr)))
	if err != nil {
		result.Error = fmt.Sprintf("observability probe failed: %v", err)
		return result
	}
	defer func() { _ = readyResp.Body.Close() }()
	result.Ready = readyResp.StatusCode == http.StatusOK

	subsResp, err := client.Get(fmt.Sprintf("http://%s/subscriptions", hostPort(adminAddr)))
	if err != nil {
		return result
	}
	defer func() { _ = subsResp.Body.Close() }()
	var views []json.RawMessage
	if err := json.NewDecoder(subsResp.Body).Decode(&views); err == nil {
		result.Subscriptions = len(views)
	}
	return result
}

// hostPort rewrites a bind address like ":9090" into a dialable
// "127.0.0.1:9090" for the status command's own outbound requests.
func hostPort(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
