package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/mentor/internal/config"
	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/skill"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the mentor a question",
	Long: `Ask the mentor a question. Pass --session to continue a conversation.

Examples:
  mentor ask "explain closures"
  mentor ask --session 4f1c... "show me an example"
  mentor ask --type debug --feedback confusion "I still get a nil pointer"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		userID, _ := cmd.Flags().GetString("user")
		typ, _ := cmd.Flags().GetString("type")
		feedback, _ := cmd.Flags().GetString("feedback")
		asJSON, _ := cmd.Flags().GetBool("json")

		if userID == "" {
			userID = defaultUserID()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/turns", orchestrator.Request{
			SessionID: sessionID,
			UserID:    userID,
			Message:   strings.Join(args, " "),
			Type:      typ,
			Feedback:  feedback,
		})
		if err != nil {
			return err
		}

		turn, err := decodeTurn(resp)
		if err != nil {
			return err
		}
		if asJSON {
			return prettyJSON(cmd.OutOrStdout(), turn)
		}
		renderTurn(cmd.OutOrStdout(), turn)
		if turn.Error != nil {
			return fmt.Errorf("turn failed: %s", turn.Error.Cause)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id to continue")
	askCmd.Flags().String("user", "", "learner id (default $MENTOR_USER or the OS user)")
	askCmd.Flags().String("type", "", "request type: concept, code, debug, docs, deploy, workflow, tech_advice")
	askCmd.Flags().String("feedback", "", "feedback on the previous answer: understood, confusion, too_simple, too_complex, help")
	askCmd.Flags().Bool("json", false, "print the raw response")
}

// decodeTurn accepts failed turns (503), which still carry a response body.
func decodeTurn(resp *http.Response) (*orchestrator.Response, error) {
	if resp.StatusCode == http.StatusServiceUnavailable {
		defer resp.Body.Close()
		var turn orchestrator.Response
		if err := json.NewDecoder(resp.Body).Decode(&turn); err == nil && turn.Error != nil {
			return &turn, nil
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var turn orchestrator.Response
	if err := decodeJSON(resp, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

func renderTurn(w io.Writer, t *orchestrator.Response) {
	if t.Error != nil {
		fmt.Fprintln(w, colorize(colorRed, t.Error.Cause))
		if t.Error.Retry != "" {
			fmt.Fprintf(w, "(%s)\n", t.Error.Retry)
		}
		return
	}

	fmt.Fprintln(w, t.Content)

	printList(w, "Prerequisites", t.Prerequisites)
	printList(w, "Suggestions", t.Suggestions)
	printList(w, "You might ask next", t.FollowUps)

	for _, n := range t.Notices {
		fmt.Fprintln(w, colorize(colorYellow, "⚠ "+n.Cause))
	}
	if t.LevelChange != nil {
		fmt.Fprintln(w, colorize(colorCyan, fmt.Sprintf("Skill level: %s → %s (%s)", t.LevelChange.From, t.LevelChange.To, t.LevelChange.Reason)))
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "session: "+t.SessionID))
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions and toggle learning mode",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session summary as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var summary orchestrator.SessionSummary
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}
		return prettyJSON(cmd.OutOrStdout(), summary)
	},
}

var sessionLearningModeCmd = &cobra.Command{
	Use:   "learning-mode <session-id> <on|off>",
	Short: "Turn learning mode on or off",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("level")
		domain, _ := cmd.Flags().GetString("domain")
		userID, _ := cmd.Flags().GetString("user")

		body, err := learningModeBody(args[1], levelStr, domain, userID)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])+"/learning-mode", body)
		if err != nil {
			return err
		}

		var summary orchestrator.SessionSummary
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		state := "off"
		if summary.LearningMode {
			state = "on"
		}
		printSuccess("Learning mode %s for session %s (overall level: %s)", state, summary.SessionID, summary.Overall)
		return nil
	},
}

// learningModeBody builds the PUT body, validating the flags locally so
// typos fail before a round trip.
func learningModeBody(state, level, domain, userID string) (map[string]any, error) {
	var enabled bool
	switch strings.ToLower(state) {
	case "on", "true", "enable", "enabled":
		enabled = true
	case "off", "false", "disable", "disabled":
	default:
		return nil, fmt.Errorf("learning mode must be on or off, got %q", state)
	}
	if userID == "" {
		userID = defaultUserID()
	}
	body := map[string]any{"enabled": enabled, "user_id": userID}
	if level != "" {
		l, err := skill.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		body["skill_level"] = l
		if domain != "" {
			body["domain"] = domain
		}
	} else if domain != "" {
		return nil, fmt.Errorf("--domain requires --level")
	}
	return body, nil
}

func init() {
	sessionLearningModeCmd.Flags().String("level", "", "declare a skill level: beginner, intermediate, advanced, expert")
	sessionLearningModeCmd.Flags().String("domain", "", "domain the declared level applies to (default: all)")
	sessionLearningModeCmd.Flags().String("user", "", "learner id for a new session")
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionLearningModeCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the learner profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [user-id]",
	Short: "Show a profile as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/profiles/"+url.PathEscape(userArg(args)))
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return prettyJSON(cmd.OutOrStdout(), profile)
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile field",
	Long: `Set a profile field. Keys:
  languages       comma-separated preferred languages
  style           free-form answer style preference
  level           overall skill level (applies to every domain)
  level.<domain>  skill level for one domain, e.g. level.debug`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			userID = defaultUserID()
		}

		method, path, body, err := profileUpdate(userID, key, value)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.do(cmd.Context(), method, path, body)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

// profileUpdate maps a CLI key onto the REST call that changes it.
func profileUpdate(userID, key, value string) (method, path string, body map[string]any, err error) {
	base := "/v1/profiles/" + url.PathEscape(userID)
	switch {
	case key == "languages":
		var langs []string
		for _, l := range strings.Split(value, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
		if langs == nil {
			langs = []string{}
		}
		return http.MethodPatch, base + "/preferences", map[string]any{"languages": langs}, nil
	case key == "style":
		return http.MethodPatch, base + "/preferences", map[string]any{"style": value}, nil
	case key == "level" || strings.HasPrefix(key, "level."):
		l, err := skill.ParseLevel(value)
		if err != nil {
			return "", "", nil, err
		}
		body := map[string]any{"level": l}
		if d := strings.TrimPrefix(key, "level."); d != key {
			if d == "" {
				return "", "", nil, fmt.Errorf("missing domain in %q", key)
			}
			body["domain"] = d
		}
		return http.MethodPut, base + "/level", body, nil
	}
	return "", "", nil, fmt.Errorf("unknown profile key %q (want languages, style, level or level.<domain>)", key)
}

var profileTurnsCmd = &cobra.Command{
	Use:   "turns [user-id]",
	Short: "List recent turns from the turn log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/profiles/%s/turns?limit=%d", url.PathEscape(userArg(args)), limit))
		if err != nil {
			return err
		}

		var turns []struct {
			ID        string   `json:"id"`
			CreatedAt string   `json:"created_at"`
			Request   string   `json:"request"`
			Domains   []string `json:"domains"`
			Degraded  bool     `json:"degraded"`
		}
		if err := decodeJSON(resp, &turns); err != nil {
			return err
		}

		if len(turns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No turns found.")
			return nil
		}

		for _, t := range turns {
			query := t.Request
			if len(query) > 80 {
				query = query[:80] + "..."
			}
			domains := strings.Join(t.Domains, ",")
			if t.Degraded {
				domains += " (degraded)"
			}
			id := t.ID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s  %s\n", colorize(colorCyan, id), t.CreatedAt, domains, query)
		}
		return nil
	},
}

func userArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultUserID()
}

func init() {
	profileSetCmd.Flags().String("user", "", "learner id (default $MENTOR_USER or the OS user)")
	profileTurnsCmd.Flags().Int("limit", 20, "maximum number of turns to list")
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileTurnsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			src := k.Source
			if src == config.SourceEnv {
				src = "$" + k.EnvVar
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+src+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		shadowedBy, err := config.SetKey(key, value)
		if err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		if shadowedBy != "" {
			printWarning("%s is set and overrides this value until unset", shadowedBy)
		}
		return nil
	},
}

var configRotateTokenCmd = &cobra.Command{
	Use:   "rotate-token",
	Short: "Replace the API bearer token (restart the server afterwards)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.RotateAPIToken(config.NewSecretStore()); err != nil {
			return err
		}
		printSuccess("API token rotated; restart mentor for the server to pick it up")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configRotateTokenCmd)
}
