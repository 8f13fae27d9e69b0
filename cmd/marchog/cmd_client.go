package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/marchog-core/internal/api"
	"github.com/nerrad567/marchog-core/internal/audit"
	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
	"github.com/nerrad567/marchog-core/internal/session"
)

// clientTimeout bounds one command API round trip.
const clientTimeout = 15 * time.Second

// serverURL is bound to the --server flag of the client commands.
var serverURL string

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, assignCmd, tagCmd, scenesCmd, activateCmd, automationsCmd, runCmd, publishCmd, reloadCmd, auditCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "command API base URL (default from config api.host/api.port)")
		rootCmd.AddCommand(c)
	}
	sessionsCmd.Flags().String("category", "", "only devices in this category")
	sessionsCmd.Flags().String("connected", "", "filter on connection state (true or false)")
	assignCmd.Flags().String("params", "", "JSON object passed to the content")
	for _, name := range tagFields {
		tagCmd.Flags().String(name, "", "new "+strings.ReplaceAll(name, "-", " ")+" (empty clears it)")
	}
	auditCmd.Flags().String("action", "", "only this action (activate_scene, run_automation, publish, reload, assign, update_tags)")
	auditCmd.Flags().Int("limit", 20, "number of entries")
}

// apiClient calls a running server's command API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newAPIClient resolves the server address and signs a token when the
// config carries a JWT secret. A missing config file falls back to the
// built-in defaults.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = config.Default()
	}

	base := serverURL
	if base == "" {
		host := cfg.API.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		scheme := "http"
		if cfg.API.TLS.Enabled {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s:%d", scheme, host, cfg.API.Port)
	}

	c := &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
	if secret := cfg.Security.JWT.Secret; secret != "" {
		token, err := api.IssueToken(secret, "cli", 0)
		if err != nil {
			return nil, err
		}
		c.token = token
	}
	return c, nil
}

// do sends body (if any) as JSON and decodes a 2xx response into out.
// Error responses come back as the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.Error
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr != nil || apiErr.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// failureView is one per-recipient delivery failure.
type failureView struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

func printFailures(w io.Writer, failures []failureView) {
	for _, f := range failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.Recipient, f.Error)
	}
}

// ─── Sessions ───────────────────────────────────────────────────────

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List device sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if v, _ := cmd.Flags().GetString("category"); v != "" {
			q.Set("category", v)
		}
		if v, _ := cmd.Flags().GetString("connected"); v != "" {
			q.Set("connected", v)
		}
		path := "/api/v1/sessions"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp struct {
			Sessions []session.Session `json:"sessions"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if len(resp.Sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRANSPORT\tCONNECTED\tLIVENESS\tCATEGORY\tZONE\tCONTENT\tLAST SEEN")
		for _, s := range resp.Sessions {
			content := "-"
			if s.Assignment != nil {
				content = s.Assignment.Content
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Transport,
				s.Connected,
				s.Liveness,
				orDash(s.Tags.Category),
				orDash(s.Tags.Zone),
				content,
				s.LastSeen.Local().Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <device-id> <content>",
	Short: "Send one device a content assignment directly",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"content": args[1]}
		if raw, _ := cmd.Flags().GetString("params"); raw != "" {
			var params map[string]any
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return fmt.Errorf("params must be a JSON object: %w", err)
			}
			body["params"] = params
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp struct {
			DeviceID  string        `json:"device_id"`
			Delivered bool          `json:"delivered"`
			Failures  []failureView `json:"failures"`
		}
		path := "/api/v1/sessions/" + url.PathEscape(args[0]) + "/assign"
		if err := client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if resp.Delivered {
			fmt.Fprintf(out, "Assigned %s to %s\n", args[1], resp.DeviceID)
		} else {
			fmt.Fprintf(out, "Recorded %s for %s; it is sent when the device reconnects\n", args[1], resp.DeviceID)
		}
		printFailures(out, resp.Failures)
		return nil
	},
}

// tagFields are the tag flags, named as the API fields with dashes.
var tagFields = []string{"category", "secondary-category", "zone", "room", "name"}

var tagCmd = &cobra.Command{
	Use:   "tag <device-id>",
	Short: "Change a device's category, zone, room or name",
	Long: `Change a device's category, zone, room or name.

Only the flags given are changed. Setting a zone without a room derives
the room from the layout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]string{}
		for _, name := range tagFields {
			if cmd.Flags().Changed(name) {
				v, _ := cmd.Flags().GetString(name)
				patch[strings.ReplaceAll(name, "-", "_")] = v
			}
		}
		if len(patch) == 0 {
			return fmt.Errorf("nothing to change: set at least one of --%s", strings.Join(tagFields, ", --"))
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var s session.Session
		path := "/api/v1/sessions/" + url.PathEscape(args[0]) + "/tags"
		if err := client.do(cmd.Context(), http.MethodPatch, path, patch, &s); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %s: category %s, zone %s, room %s\n",
			s.ID, orDash(s.Tags.Category), orDash(s.Tags.Zone), orDash(s.Tags.Room))
		return nil
	},
}

// ─── Scenes ─────────────────────────────────────────────────────────

var scenesCmd = &cobra.Command{
	Use:   "scenes",
	Short: "List scenes and the active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp struct {
			Scenes []struct {
				ID       string            `json:"id"`
				Name     string            `json:"name"`
				Bindings []json.RawMessage `json:"bindings"`
			} `json:"scenes"`
			Active string `json:"active"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/scenes", nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tBINDINGS\tACTIVE")
		for _, s := range resp.Scenes {
			active := ""
			if s.ID == resp.Active {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, orDash(s.Name), len(s.Bindings), active)
		}
		return w.Flush()
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <scene-id>",
	Short: "Activate a scene",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp struct {
			SceneID      string        `json:"scene_id"`
			Redispatch   bool          `json:"redispatch"`
			Recipients   []string      `json:"recipients"`
			Delivered    []string      `json:"delivered"`
			Failures     []failureView `json:"failures"`
			EmptyTargets []string      `json:"empty_targets"`
		}
		path := "/api/v1/scenes/" + url.PathEscape(args[0]) + "/activate"
		if err := client.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "activated"
		if resp.Redispatch {
			verb = "re-dispatched"
		}
		fmt.Fprintf(out, "Scene %s %s: %d recipients, %d delivered\n",
			resp.SceneID, verb, len(resp.Recipients), len(resp.Delivered))
		printFailures(out, resp.Failures)
		for _, t := range resp.EmptyTargets {
			fmt.Fprintf(out, "  no recipients for %s\n", t)
		}
		return nil
	},
}

// ─── Automations ────────────────────────────────────────────────────

var automationsCmd = &cobra.Command{
	Use:   "automations",
	Short: "List automations and their next scheduled run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp struct {
			Automations []struct {
				ID       string `json:"id"`
				Enabled  bool   `json:"enabled"`
				Trigger  struct {
					Kind     string `json:"kind"`
					Schedule string `json:"schedule"`
					Topic    string `json:"topic"`
				} `json:"trigger"`
				NextFire *time.Time `json:"next_fire"`
			} `json:"automations"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/automations", nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENABLED\tTRIGGER\tON\tNEXT RUN")
		for _, a := range resp.Automations {
			on := a.Trigger.Schedule
			if on == "" {
				on = a.Trigger.Topic
			}
			next := "-"
			if a.NextFire != nil {
				next = a.NextFire.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", a.ID, a.Enabled, a.Trigger.Kind, orDash(on), next)
		}
		return w.Flush()
	},
}

var runCmd = &cobra.Command{
	Use:   "run <automation-id>",
	Short: "Run an automation's actions now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var resp struct {
			OK     bool `json:"ok"`
			Report struct {
				Results []struct {
					Index      int    `json:"index"`
					Kind       string `json:"kind"`
					SceneID    string `json:"scene_id"`
					Recipients int    `json:"recipients"`
					Failures   int    `json:"failures"`
					Error      string `json:"error"`
				} `json:"results"`
			} `json:"report"`
		}
		path := "/api/v1/automations/" + url.PathEscape(args[0]) + "/run"
		if err := client.do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tACTION\tSCENE\tRECIPIENTS\tFAILURES\tERROR")
		for _, r := range resp.Report.Results {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
				r.Index, r.Kind, orDash(r.SceneID), r.Recipients, r.Failures, orDash(r.Error))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("automation %s: one or more actions failed", args[0])
		}
		return nil
	},
}

// ─── Bus ────────────────────────────────────────────────────────────

var publishCmd = &cobra.Command{
	Use:   "publish <topic> <json-object>",
	Short: "Publish a message through the router",
	Long: `Publish a message through the router.

The topic may be relative to the configured root ("screen/helm-1") or
carry the root already. The payload must be a JSON object.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"topic": args[0], "payload": json.RawMessage(args[1])}
		var resp struct {
			Topic     string        `json:"topic"`
			Handlers  int           `json:"handlers"`
			Delivered []string      `json:"delivered"`
			Bus       bool          `json:"bus"`
			Failures  []failureView `json:"failures"`
		}
		if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/bus/publish", body, &resp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Published to %s: %d handlers, %d delivered, bus %t\n",
			resp.Topic, resp.Handlers, len(resp.Delivered), resp.Bus)
		printFailures(out, resp.Failures)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload scene and automation definitions on the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp struct {
			Scenes      int `json:"scenes"`
			Automations int `json:"automations"`
		}
		if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/reload", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reloaded: %d scenes, %d automations\n", resp.Scenes, resp.Automations)
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent operator commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if v, _ := cmd.Flags().GetString("action"); v != "" {
			q.Set("action", v)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", fmt.Sprint(limit))

		var resp audit.ListResult
		if err := client.do(cmd.Context(), http.MethodGet, "/api/v1/audit?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		if len(resp.Logs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tENTITY\tSUBJECT\tOUTCOME")
		for _, e := range resp.Logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				e.Action,
				orDash(e.EntityID),
				orDash(e.Subject),
				e.Outcome,
			)
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
