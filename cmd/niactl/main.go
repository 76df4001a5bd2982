package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

var (
	gatewayURL string
	authToken  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "niactl",
		Short:   "Nia CLI - drive a running nia gateway",
		Long:    `niactl is a command-line interface for operating nia bot sessions: launching, moving, and instructing bots, and inspecting room state.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway", "g", getDefaultGateway(), "Gateway URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("NIA_TOKEN"), "Bearer token (prompted when required and unset)")

	rootCmd.AddCommand(newRoomsCommand())
	rootCmd.AddCommand(newJoinCommand())
	rootCmd.AddCommand(newLeaveCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultGateway() string {
	if gw := os.Getenv("NIA_GATEWAY"); gw != "" {
		return gw
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: gatewayURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// token returns the bearer token, prompting on the terminal once when
// none was supplied.
func token() string {
	if authToken != "" {
		return authToken
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Gateway token (empty for none): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	authToken = strings.TrimSpace(string(raw))
	return authToken
}

func (c *Client) do(method, path string, params url.Values, data interface{}, authed bool) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if tok := token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil, false)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data, true)
}

// outputJSON pretty-prints a JSON response.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Commands ---

func newRoomsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with active bot sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/active-rooms", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newJoinCommand() *cobra.Command {
	var personality, persona, tenant, userID string
	cmd := &cobra.Command{
		Use:   "join <room-url>",
		Short: "Launch (or reuse) a bot session in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"room_url":      args[0],
				"personalityId": personality,
			}
			if persona != "" {
				body["persona"] = persona
			}
			if tenant != "" {
				body["tenant_id"] = tenant
			}
			if userID != "" {
				body["sessionUserId"] = userID
			}
			data, err := newClient().post("/join", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&personality, "personality", "p", "default", "Personality id")
	cmd.Flags().StringVar(&persona, "persona", "", "Persona override")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&userID, "user", "", "Session user id (enables forum transition)")
	return cmd
}

func newLeaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <room-url>",
		Short: "End the bot session in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/leave", map[string]string{"room_url": args[0]})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAdminCommand() *cobra.Command {
	var mode, sender string
	cmd := &cobra.Command{
		Use:   "admin <room-url> <message>",
		Short: "Send an admin instruction to a running bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/admin", map[string]string{
				"room_url": args[0],
				"message":  args[1],
				"mode":     mode,
				"sender":   sender,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "queued", "Delivery mode: immediate or queued")
	cmd.Flags().StringVar(&sender, "sender", "niactl", "Sender label")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage per-room config",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push <room-url> <json>",
		Short: "Publish a config payload for a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("invalid config JSON: %w", err)
			}
			payload["room_url"] = args[0]
			data, err := newClient().post("/config", payload)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})
	return cmd
}

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke bot tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/tools/list", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	})

	var room, tenant, userID string
	invoke := &cobra.Command{
		Use:   "invoke <tool> [params-json]",
		Short: "Invoke a tool (direct or relayed to the bot)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"tool": args[0]}
			if len(args) == 2 {
				var params map[string]interface{}
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("invalid params JSON: %w", err)
				}
				body["params"] = params
			}
			if room != "" {
				body["room_url"] = room
			}
			if tenant != "" {
				body["tenant_id"] = tenant
			}
			if userID != "" {
				body["sessionUserId"] = userID
			}
			data, err := newClient().post("/api/tools/invoke", body)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	invoke.Flags().StringVarP(&room, "room", "r", "", "Room URL")
	invoke.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	invoke.Flags().StringVar(&userID, "user", "", "Session user id")
	cmd.AddCommand(invoke)

	return cmd
}

func newLogsCommand() *cobra.Command {
	var limit int
	var level string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch recent gateway logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", fmt.Sprintf("%d", limit))
			if level != "" {
				params.Set("level", level)
			}
			data, err := newClient().get("/api/logs", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Number of entries")
	cmd.Flags().StringVarP(&level, "level", "l", "", "Level filter")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/health", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}
