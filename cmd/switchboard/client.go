// ABOUTME: CLI commands that talk to a running switchboard over its HTTP API
// ABOUTME: status, conversations and send, plus token minting for operators

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/transport"
)

// clientOptions are the connection flags shared by API client commands.
type clientOptions struct {
	addr     string
	token    string
	operator string
}

func (o *clientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", "", "API base URL (default derived from server.http_addr)")
	cmd.Flags().StringVar(&o.token, "token", "", "operator JWT (default $SWITCHBOARD_TOKEN)")
	cmd.Flags().StringVar(&o.operator, "operator", "cli", "operator id to act as")
}

// apiClient is a minimal client for the operator API.
type apiClient struct {
	baseURL  string
	token    string
	operator string
	http     *http.Client
}

// apiBaseURL derives a dialable URL from the listen address.
func apiBaseURL(httpAddr string) (string, error) {
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server.http_addr %q: %w", httpAddr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// newAPIClient builds a client from flags and config. Without an explicit
// token it mints a short-lived one when the config holds the JWT secret.
func newAPIClient(opts clientOptions) (*apiClient, error) {
	c := &apiClient{
		baseURL:  strings.TrimRight(opts.addr, "/"),
		token:    opts.token,
		operator: opts.operator,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	if c.token == "" {
		c.token = os.Getenv("SWITCHBOARD_TOKEN")
	}
	if c.baseURL != "" && c.token != "" {
		return c, nil
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if c.baseURL == "" {
		if c.baseURL, err = apiBaseURL(cfg.Server.HTTPAddr); err != nil {
			return nil, err
		}
	}
	if c.token == "" && cfg.Auth.JWTSecret != "" {
		if c.token, err = mintToken(cfg, opts.operator, 5*time.Minute); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// do sends a request and decodes a JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.operator != "" {
		req.Header.Set(auth.OperatorHeader, c.operator)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return errors.New(resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the transport session status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			var status transport.Status
			if err := client.do(cmd.Context(), http.MethodGet, "/api/transport/status", nil, &status); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func printStatus(w io.Writer, s transport.Status) {
	state := color.YellowString(string(s.State))
	if s.Connected {
		state = color.GreenString(string(s.State))
	}
	fmt.Fprintf(w, "Driver:       %s\n", s.Driver)
	fmt.Fprintf(w, "State:        %s\n", state)
	if s.BoundAddress != "" {
		fmt.Fprintf(w, "Address:      %s\n", s.BoundAddress)
	}
	if s.PairingCode != "" {
		fmt.Fprintf(w, "Pairing code: %s\n", color.New(color.FgCyan, color.Bold).Sprint(s.PairingCode))
	}
	if s.LastConnectedAt != nil {
		fmt.Fprintf(w, "Connected at: %s\n", s.LastConnectedAt.Local().Format(time.DateTime))
	}
	if s.Reconnecting {
		fmt.Fprintf(w, "Reconnecting: yes\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", color.RedString(s.LastError))
	}
}

func newConversationsCmd() *cobra.Command {
	var opts clientOptions
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("status", status)
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			var resp gateway.ConversationListResponse
			if err := client.do(cmd.Context(), http.MethodGet, "/api/conversations?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), resp.Conversations)
			return nil
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVar(&status, "status", "open", "open, active, waiting, closed or all")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default when 0)")
	return cmd
}

func printConversations(w io.Writer, convs []conversation.ConversationView) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCLIENT\tOPERATOR\tUNREAD\tLAST MESSAGE")
	for _, c := range convs {
		client := "-"
		if c.Client != nil {
			client = c.Client.Address
			if c.Client.DisplayName != "" {
				client += " (" + c.Client.DisplayName + ")"
			}
		}
		operator := "-"
		if c.OperatorRef != nil {
			operator = *c.OperatorRef
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.Status, client, operator, c.UnreadCount, c.LastMessageAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func newSendCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message to a conversation's client as an operator",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			body := gateway.SendMessageRequest{Content: strings.Join(args[1:], " ")}
			var resp gateway.SendMessageResponse
			path := "/api/conversations/" + url.PathEscape(args[0]) + "/messages"
			if err := client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ sent %s\n", resp.Message.ID)
			if resp.Warning != "" {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "! %s\n", resp.Warning)
			}
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

// mintToken signs an operator token with the configured secret.
func mintToken(cfg *config.Config, operatorID string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier.Generate(operatorID, ttl)
}

func newTokenCmd() *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API token from the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			operator = strings.TrimSpace(operator)
			if operator == "" {
				return errors.New("--operator is required")
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := mintToken(cfg, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator id recorded on messages and closures")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
