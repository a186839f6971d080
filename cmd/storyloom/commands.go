package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/storyloom/internal/config"
	"github.com/kalambet/storyloom/internal/ingest"
	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/progress"
	"github.com/kalambet/storyloom/internal/workflow"
)

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <concept>",
	Short: "Start a story generation job",
	Long: `Start a story generation job on the running server.

Examples:
  storyloom run 海怪传说
  storyloom run --multi --chapters 5 --length 20000 "a lighthouse keeper's last winter"
  storyloom run --wait 海怪传说`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		multi, _ := cmd.Flags().GetBool("multi")
		chapters, _ := cmd.Flags().GetInt("chapters")
		length, _ := cmd.Flags().GetInt("length")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/jobs", map[string]any{
			"session_id":          session,
			"concept":             strings.Join(args, " "),
			"multi_chapter":       multi,
			"total_chapters_hint": chapters,
			"total_target_length": length,
		})
		if err != nil {
			return err
		}
		var ack workflow.Ack
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}

		printSuccess("Started job %s", ack.SessionID)
		if !wait {
			printStep("Follow progress with: storyloom watch %s", ack.SessionID)
			return nil
		}
		return watchSession(cmd, client, ack.SessionID)
	},
}

func init() {
	runCmd.Flags().String("session", "", "session id (generated when empty)")
	runCmd.Flags().Bool("multi", false, "write several chapters")
	runCmd.Flags().Int("chapters", 0, "expected number of chapters")
	runCmd.Flags().Int("length", 0, "total target length in characters (default from config)")
	runCmd.Flags().Bool("wait", false, "follow progress until the job finishes")
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <session>",
	Short: "Follow a job's progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchSession(cmd, client, args[0])
	},
}

// watchSession prints progress events and the final story. The stream does
// not replay past events, so the current status is printed first.
func watchSession(cmd *cobra.Command, client *apiClient, session string) error {
	ctx := cmd.Context()
	if st, err := fetchStatus(cmd, client, session); err == nil {
		if st.Finished {
			return reportFinished(cmd, st)
		}
		printStep("%s", describeStatus(st))
	}

	var failure error
	err := client.events(ctx, session, func(ev progress.Event) bool {
		switch ev.Kind {
		case progress.KindStatusUpdate:
			printStep("%s", describeStatus(progress.Status{
				Phase: ev.Phase, Chapter: ev.Chapter, TotalChapters: ev.TotalChapters, Message: ev.Message,
			}))
		case progress.KindCompletion:
			printSuccess("Job finished")
			fmt.Fprintln(cmd.OutOrStdout(), ev.Result)
			return false
		case progress.KindError:
			failure = fmt.Errorf("%s: %s", ev.Phase, ev.Message)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return failure
}

func fetchStatus(cmd *cobra.Command, client *apiClient, session string) (progress.Status, error) {
	resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(session)+"/status")
	if err != nil {
		return progress.Status{}, err
	}
	var st progress.Status
	err = decodeJSON(resp, &st)
	return st, err
}

func reportFinished(cmd *cobra.Command, st progress.Status) error {
	if st.Phase == string(workflow.PhaseDone) {
		printSuccess("Job already finished")
		fmt.Fprintln(cmd.OutOrStdout(), st.Result)
		return nil
	}
	return fmt.Errorf("%s: %s", st.Phase, st.Message)
}

func describeStatus(st progress.Status) string {
	var sb strings.Builder
	sb.WriteString("[" + st.Phase + "]")
	if st.Chapter > 0 {
		if st.TotalChapters > 0 {
			fmt.Fprintf(&sb, " chapter %d/%d", st.Chapter, st.TotalChapters)
		} else {
			fmt.Fprintf(&sb, " chapter %d", st.Chapter)
		}
	}
	if st.Message != "" {
		sb.WriteString(" " + st.Message)
	}
	return sb.String()
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <session>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancel requested for %s; the job stops at its next chapter or phase", args[0])
		return nil
	},
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs <session>",
	Short: "Show a session's story documentation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, _ := cmd.Flags().GetBool("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/jobs/" + url.PathEscape(args[0]) + "/documentation"
		if conversation {
			path = "/jobs/" + url.PathEscape(args[0]) + "/conversation"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

func init() {
	docsCmd.Flags().Bool("conversation", false, "show the conversation log instead")
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a knowledge entry",
	Long: `Add a knowledge entry.

Examples:
  storyloom knowledge add --title 三幕结构 --content "开端、对抗、结局" --type technique --tags structure
  storyloom knowledge add --file ./notes.md --tags research`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		file, _ := cmd.Flags().GetString("file")
		kt, _ := cmd.Flags().GetString("type")
		tagsStr, _ := cmd.Flags().GetString("tags")
		source, _ := cmd.Flags().GetString("source")

		if content == "" && file == "" {
			return errors.New("one of --content or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			content = string(data)
			if title == "" {
				title = filepath.Base(file)
			}
			if source == "" {
				source = file
			}
		}
		if source == "" {
			source = "cli"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := addEntry(cmd, client, map[string]any{
			"title":          title,
			"content":        content,
			"knowledge_type": kt,
			"tags":           splitTags(tagsStr),
			"source":         source,
		})
		if err != nil {
			return err
		}
		printSuccess("Added entry %s", id)
		return nil
	},
}

func addEntry(cmd *cobra.Command, client *apiClient, body map[string]any) (string, error) {
	resp, err := client.post(cmd.Context(), "/knowledge", body)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		tagsStr, _ := cmd.Flags().GetString("tags")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("limit", fmt.Sprint(limit))
		if tagsStr != "" {
			params.Set("tags", strings.Join(splitTags(tagsStr), ","))
		}
		resp, err := client.get(cmd.Context(), "/knowledge?"+params.Encode())
		if err != nil {
			return err
		}

		var results []knowledge.Entry
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, e := range results {
			fmt.Fprintf(out, "\n%s %s (%s)\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), e.Title, e.KnowledgeType)
			fmt.Fprintf(out, "  %s\n", colorize(colorCyan, e.ID))
			if len(e.Tags) > 0 {
				fmt.Fprintf(out, "  Tags: %s\n", strings.Join(e.Tags, ", "))
			}
			fmt.Fprintf(out, "  %s\n", excerpt(e.Content, 300))
		}
		return nil
	},
}

var knowledgeImportCmd = &cobra.Command{
	Use:   "import <files...>",
	Short: "Import .txt, .md, .html, .pdf or .yaml seed files",
	Long: `Import files into the knowledge base.

By default files are extracted locally and each entry is added through the
server. With --queue the raw files are uploaded and imported by the server's
background worker.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kt, _ := cmd.Flags().GetString("type")
		tags := splitTags(mustString(cmd, "tags"))
		queue, _ := cmd.Flags().GetBool("queue")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if queue {
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				resp, err := client.post(cmd.Context(), "/knowledge/import", map[string]any{
					"name":           filepath.Base(path),
					"content":        base64.StdEncoding.EncodeToString(data),
					"tags":           tags,
					"knowledge_type": kt,
				})
				if err != nil {
					return err
				}
				var result map[string]string
				if err := decodeJSON(resp, &result); err != nil {
					return fmt.Errorf("queueing %s: %w", path, err)
				}
				printSuccess("Queued %s (job %s)", path, result["id"])
			}
			return nil
		}

		docs, err := ingest.ExtractFiles(cmd.Context(), args)
		if err != nil {
			return err
		}
		for _, d := range docs {
			dt := d.KnowledgeType
			if dt == "" {
				dt = kt
			}
			id, err := addEntry(cmd, client, map[string]any{
				"title":          d.Title,
				"content":        d.Content,
				"knowledge_type": dt,
				"tags":           append(append([]string(nil), d.Tags...), tags...),
				"source":         d.Source,
			})
			if err != nil {
				return fmt.Errorf("adding %q: %w", d.Title, err)
			}
			printStep("%s  %s", colorize(colorCyan, id), d.Title)
		}
		printSuccess("Imported %d entries from %d file(s)", len(docs), len(args))
		return nil
	},
}

func mustString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return s
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/knowledge/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

var knowledgeLinkCmd = &cobra.Command{
	Use:   "link <id> <chapter-id>",
	Short: "Associate a knowledge entry with a chapter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/knowledge/"+url.PathEscape(args[0])+"/chapter",
			map[string]string{"chapter_id": args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Linked %s to %s", args[0], args[1])
		return nil
	},
}

var knowledgeUnlinkCmd = &cobra.Command{
	Use:   "unlink <id>",
	Short: "Remove a knowledge entry's chapter association",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/knowledge/"+url.PathEscape(args[0])+"/chapter")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Unlinked %s", args[0])
		return nil
	},
}

var knowledgeChaptersCmd = &cobra.Command{
	Use:   "chapters [chapter-id]",
	Short: "List chapters with linked entries, or the entries of one chapter",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), "/knowledge/chapters")
			if err != nil {
				return err
			}
			var result struct {
				ChapterIDs []string `json:"chapter_ids"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			if len(result.ChapterIDs) == 0 {
				fmt.Fprintln(out, "No chapter links.")
			}
			for _, id := range result.ChapterIDs {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		resp, err := client.get(cmd.Context(), "/knowledge?"+url.Values{"chapter": {args[0]}}.Encode())
		if err != nil {
			return err
		}
		var entries []knowledge.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s\n", colorize(colorCyan, e.ID), e.Title)
		}
		return nil
	},
}

func init() {
	knowledgeAddCmd.Flags().String("title", "", "entry title")
	knowledgeAddCmd.Flags().String("content", "", "entry text")
	knowledgeAddCmd.Flags().String("file", "", "read the entry text from a file")
	knowledgeAddCmd.Flags().String("type", "", "example, technique, background or template (default background)")
	knowledgeAddCmd.Flags().String("tags", "", "comma-separated tags")
	knowledgeAddCmd.Flags().String("source", "", "where the entry comes from")

	knowledgeSearchCmd.Flags().Int("limit", knowledge.DefaultLimit, "maximum number of results")
	knowledgeSearchCmd.Flags().String("tags", "", "comma-separated tags every result must carry")

	knowledgeImportCmd.Flags().String("type", "", "knowledge type for entries that do not set one")
	knowledgeImportCmd.Flags().String("tags", "", "comma-separated tags added to every entry")
	knowledgeImportCmd.Flags().Bool("queue", false, "upload files for server-side import")

	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeCmd.AddCommand(knowledgeImportCmd)
	knowledgeCmd.AddCommand(knowledgeDeleteCmd)
	knowledgeCmd.AddCommand(knowledgeLinkCmd)
	knowledgeCmd.AddCommand(knowledgeUnlinkCmd)
	knowledgeCmd.AddCommand(knowledgeChaptersCmd)
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
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.Secret {
				line += colorize(colorYellow, "  (env "+k.EnvVar+")")
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
	},
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
