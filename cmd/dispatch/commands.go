package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/dispatch/internal/config"
)

// --- response views ---

type itemView struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Subtopic string `json:"subtopic"`
}

type newsletterView struct {
	ID        string     `json:"id"`
	IssueDate string     `json:"issue_date"`
	ItemCount int        `json:"item_count"`
	Items     []itemView `json:"items"`
}

type warningView struct {
	Stage   string `json:"stage"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type generateView struct {
	RunID            string          `json:"run_id"`
	State            string          `json:"state"`
	Newsletter       *newsletterView `json:"newsletter"`
	Dropped          int             `json:"dropped"`
	SkippedSubtopics int             `json:"skipped_subtopics"`
	Warnings         []warningView   `json:"warnings"`
}

type interestView struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Active bool   `json:"active"`
}

type jobView struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	Result    json.RawMessage `json:"result"`
}

type hitView struct {
	URL      string  `json:"url"`
	Headline string  `json:"headline"`
	Score    float32 `json:"score"`
}

type runView struct {
	ID               string        `json:"id"`
	State            string        `json:"state"`
	FailureReason    string        `json:"failure_reason"`
	Warnings         []warningView `json:"warnings"`
	Dropped          int           `json:"dropped"`
	SkippedSubtopics int           `json:"skipped_subtopics"`
	NewsletterID     string        `json:"newsletter_id"`
	StartedAt        time.Time     `json:"started_at"`
}

// withClient runs fn against a configured API client for the current user.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) error) error {
	if err := requireUser(); err != nil {
		return err
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, c)
}

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a newsletter from your active interests",
	Long: `Generate a newsletter from your active interests.

Examples:
  dispatch generate
  dispatch generate --async
  dispatch --user alice generate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		async, _ := cmd.Flags().GetBool("async")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			if async {
				return enqueueGenerate(ctx, c, os.Stdout)
			}
			return generate(ctx, c, os.Stdout)
		})
	},
}

func init() {
	generateCmd.Flags().Bool("async", false, "queue the run and print its job id")
}

func generate(ctx context.Context, c *apiClient, w io.Writer) error {
	printStep("Researching your interests...")
	resp, err := c.post(ctx, "/newsletters", nil)
	if err != nil {
		return err
	}
	var res generateView
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}

	renderWarnings(res.Warnings)
	if res.Newsletter == nil {
		printSuccess("Nothing new since your last issue (run %s)", res.RunID)
		return nil
	}
	renderNewsletter(w, *res.Newsletter)
	if res.Dropped > 0 {
		printStatus("Dropped", "%d candidates", res.Dropped)
	}
	return nil
}

func enqueueGenerate(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.post(ctx, "/newsletters/jobs", nil)
	if err != nil {
		return err
	}
	var res struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	printSuccess("Queued job %s", res.JobID)
	fmt.Fprintln(w, res.JobID)
	return nil
}

// --- jobs ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the status of a queued generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return showJob(ctx, c, args[0], os.Stdout)
		})
	},
}

func showJob(ctx context.Context, c *apiClient, id string, w io.Writer) error {
	resp, err := c.get(ctx, "/newsletters/jobs/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var job jobView
	if err := decodeJSON(resp, &job); err != nil {
		return err
	}

	printStatus("Job", "%s", job.ID)
	printStatus("Status", "%s", job.Status)
	printStatus("Attempts", "%d", job.Attempts)
	if job.LastError != "" {
		printStatus("Last error", "%s", job.LastError)
	}
	if len(job.Result) > 0 {
		var out struct {
			RunID        string        `json:"run_id"`
			State        string        `json:"state"`
			NewsletterID string        `json:"newsletter_id"`
			ItemCount    int           `json:"item_count"`
			Warnings     []warningView `json:"warnings"`
		}
		if err := json.Unmarshal(job.Result, &out); err == nil {
			printStatus("Run", "%s (%s)", out.RunID, out.State)
			if out.NewsletterID != "" {
				fmt.Fprintf(w, "%s\t%d items\n", out.NewsletterID, out.ItemCount)
			}
			renderWarnings(out.Warnings)
		}
	}
	return nil
}

// --- interests ---

var interestsCmd = &cobra.Command{
	Use:   "interests",
	Short: "Manage your interests",
}

var interestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interests",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return listInterests(ctx, c, all, os.Stdout)
		})
	},
}

var interestsAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Add an interest",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return addInterest(ctx, c, strings.Join(args, " "))
		})
	},
}

var interestsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an interest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/interests/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var out map[string]string
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			printSuccess("Removed interest %s", args[0])
			return nil
		})
	},
}

var interestsExtractCmd = &cobra.Command{
	Use:   "extract <prompt>",
	Short: "Update interests from a free-text description",
	Long: `Update interests from a free-text description.

Examples:
  dispatch interests extract "I'm into Rust and climate tech, less crypto please"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return extractInterests(ctx, c, strings.Join(args, " "))
		})
	},
}

func init() {
	interestsListCmd.Flags().Bool("all", false, "include removed interests")
	interestsCmd.AddCommand(interestsListCmd, interestsAddCmd, interestsRemoveCmd, interestsExtractCmd)
}

func listInterests(ctx context.Context, c *apiClient, all bool, w io.Writer) error {
	path := "/interests"
	if all {
		path += "?all=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var list []interestView
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		printWarning("No interests yet; add one with `dispatch interests add <label>`")
		return nil
	}
	for _, in := range list {
		label := in.Label
		if !in.Active {
			label = colorize(colorDim, label+" (removed)")
		}
		fmt.Fprintf(w, "%s\t%s\n", in.ID, label)
	}
	return nil
}

func addInterest(ctx context.Context, c *apiClient, label string) error {
	resp, err := c.post(ctx, "/interests", map[string]string{"label": label})
	if err != nil {
		return err
	}
	var in interestView
	if err := decodeJSON(resp, &in); err != nil {
		if isAPIError(err, "validation_error") {
			return fmt.Errorf("interest %q was rejected: %w", label, err)
		}
		return err
	}
	printSuccess("Added interest %q (%s)", in.Label, in.ID)
	return nil
}

func extractInterests(ctx context.Context, c *apiClient, prompt string) error {
	resp, err := c.post(ctx, "/interests/extract", map[string]string{"prompt": prompt})
	if err != nil {
		return err
	}
	var out struct {
		Added    []interestView `json:"added"`
		Removed  []string       `json:"removed"`
		Rejected []string       `json:"rejected"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	for _, in := range out.Added {
		printSuccess("Added %q", in.Label)
	}
	for _, label := range out.Removed {
		printSuccess("Removed %q", label)
	}
	for _, label := range out.Rejected {
		printWarning("Rejected %q", label)
	}
	if len(out.Added)+len(out.Removed)+len(out.Rejected) == 0 {
		printStatus("Interests", "no changes")
	}
	return nil
}

// --- newsletters ---

var newslettersCmd = &cobra.Command{
	Use:   "newsletters",
	Short: "Browse past newsletters",
}

var newslettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent newsletters",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return listNewsletters(ctx, c, limit, os.Stdout)
		})
	},
}

var newslettersShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one newsletter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return showNewsletter(ctx, c, args[0], os.Stdout)
		})
	},
}

func init() {
	newslettersListCmd.Flags().Int("limit", 20, "maximum number of newsletters")
	newslettersCmd.AddCommand(newslettersListCmd, newslettersShowCmd)
}

func listNewsletters(ctx context.Context, c *apiClient, limit int, w io.Writer) error {
	resp, err := c.get(ctx, "/newsletters?limit="+strconv.Itoa(limit))
	if err != nil {
		return err
	}
	var list []newsletterView
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	for _, n := range list {
		fmt.Fprintf(w, "%s\t%s\t%d items\n", n.ID, n.IssueDate, n.ItemCount)
	}
	return nil
}

func showNewsletter(ctx context.Context, c *apiClient, id string, w io.Writer) error {
	resp, err := c.get(ctx, "/newsletters/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var n newsletterView
	if err := decodeJSON(resp, &n); err != nil {
		return err
	}
	renderNewsletter(w, n)
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Search or check previously delivered items",
}

var historySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over delivered items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return searchHistory(ctx, c, strings.Join(args, " "), limit, os.Stdout)
		})
	},
}

var historyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a URL or text was already delivered",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, _ := cmd.Flags().GetString("url")
		text, _ := cmd.Flags().GetString("text")
		if u == "" && text == "" {
			return fmt.Errorf("one of --url or --text is required")
		}
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return checkDuplicate(ctx, c, u, text, os.Stdout)
		})
	},
}

func init() {
	historySearchCmd.Flags().Int("limit", 5, "maximum number of results")
	historyCheckCmd.Flags().String("url", "", "candidate URL")
	historyCheckCmd.Flags().String("text", "", "candidate headline or snippet")
	historyCmd.AddCommand(historySearchCmd, historyCheckCmd)
}

func searchHistory(ctx context.Context, c *apiClient, query string, limit int, w io.Writer) error {
	q := url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}
	resp, err := c.get(ctx, "/content/search?"+q.Encode())
	if err != nil {
		return err
	}
	var hits []hitView
	if err := decodeJSON(resp, &hits); err != nil {
		return err
	}
	if len(hits) == 0 {
		printStatus("History", "no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(w, "%.3f\t%s\t%s\n", h.Score, h.Headline, h.URL)
	}
	return nil
}

func checkDuplicate(ctx context.Context, c *apiClient, u, text string, w io.Writer) error {
	resp, err := c.post(ctx, "/content/check", map[string]string{"url": u, "text": text})
	if err != nil {
		return err
	}
	var v struct {
		Duplicate bool    `json:"duplicate"`
		Reason    string  `json:"reason"`
		Score     float32 `json:"score"`
		MatchURL  string  `json:"match_url"`
	}
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	if !v.Duplicate {
		fmt.Fprintln(w, "new")
		return nil
	}
	fmt.Fprintf(w, "duplicate\t%s\t%.3f\t%s\n", v.Reason, v.Score, v.MatchURL)
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent generation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return listRuns(ctx, c, limit, os.Stdout)
		})
	},
}

func init() {
	runsCmd.Flags().Int("limit", 10, "maximum number of runs")
}

func listRuns(ctx context.Context, c *apiClient, limit int, w io.Writer) error {
	resp, err := c.get(ctx, "/runs?limit="+strconv.Itoa(limit))
	if err != nil {
		return err
	}
	var runs []runView
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}
	for _, r := range runs {
		state := r.State
		switch {
		case r.FailureReason != "":
			state = colorize(colorRed, state+": "+r.FailureReason)
		case len(r.Warnings) > 0:
			state = colorize(colorYellow, fmt.Sprintf("%s (%d warnings)", state, len(r.Warnings)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.StartedAt.Local().Format(time.DateTime), r.ID, state)
	}
	return nil
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
