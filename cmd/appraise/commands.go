package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/appraise/internal/config"
	"github.com/kalambet/appraise/internal/evidence"
	"github.com/kalambet/appraise/internal/instructions"
	"github.com/kalambet/appraise/internal/pipeline"
	"github.com/kalambet/appraise/internal/stage"
	"github.com/kalambet/appraise/internal/storage"
)

// knowledgeMaxChars bounds text imported from a knowledge file.
const knowledgeMaxChars = 8000

// withStore opens the local database for commands that do not need the
// server or a model provider.
func withStore(fn func(ctx context.Context, cfg config.Config, store *storage.Store) error) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), cfg, store)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun renders a pipeline result, one line per attempted stage.
func printRun(w io.Writer, res pipeline.Result) {
	for _, s := range res.Steps {
		fmt.Fprintf(w, "%s %-14s $%.4f  %6d in %5d out  %6dms", stepMark(s.Success), s.StageName, s.CostUSD, s.TokensIn, s.TokensOut, s.DurationMs)
		if s.Error != "" {
			fmt.Fprintf(w, "  %s", s.Error)
		}
		fmt.Fprintln(w)
	}
	if len(res.Steps) > 0 && len(res.Steps) < len(stage.Order) {
		for _, name := range stage.Order[len(res.Steps):] {
			fmt.Fprintf(w, "%s %-14s skipped\n", colorize(colorYellow, markSkip), name)
		}
	}
	fmt.Fprintf(w, "total $%.4f in %dms", res.TotalCostUSD, res.TotalDurationMs)
	if res.RunID != "" {
		fmt.Fprintf(w, " (run %s)", res.RunID)
	}
	fmt.Fprintln(w)
}

func reportRun(cmd *cobra.Command, res pipeline.Result) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		if err := writeIndented(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printRun(cmd.OutOrStdout(), res)
	}
	if !res.Success {
		return fmt.Errorf("pipeline failed: %s", res.Error)
	}
	printSuccess("Case %s appraised", res.CaseID)
	return nil
}

// --- run / trigger ---

var runCmd = &cobra.Command{
	Use:   "run <tenant> <case>",
	Short: "Run the pipeline for a case in this process",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.store.Close()

		printStep("Running pipeline for %s/%s", args[0], args[1])
		return reportRun(cmd, a.orch.RunPipeline(ctx, args[1], args[0]))
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <tenant> <case>",
	Short: "Ask the running server to run the pipeline for a case",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := triggerRun(cmd.Context(), client, args[0], args[1])
		if err != nil {
			return err
		}
		return reportRun(cmd, res)
	},
}

func triggerRun(ctx context.Context, client *apiClient, tenantID, caseID string) (pipeline.Result, error) {
	resp, err := client.post(ctx, casePath(tenantID, caseID)+"/pipeline", nil)
	if err != nil {
		return pipeline.Result{}, err
	}
	var res pipeline.Result
	if err := decodeJSON(resp, &res); err != nil {
		return pipeline.Result{}, err
	}
	return res, nil
}

func init() {
	runCmd.Flags().Bool("json", false, "print the result as JSON")
	triggerCmd.Flags().Bool("json", false, "print the result as JSON")
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create or update a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		plan, _ := cmd.Flags().GetString("plan")
		settingsJSON, _ := cmd.Flags().GetString("settings")

		t := storage.Tenant{ID: args[0], Name: name, Plan: plan}
		if t.Name == "" {
			t.Name = t.ID
		}
		if settingsJSON != "" {
			if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
				return fmt.Errorf("invalid --settings JSON: %w", err)
			}
		}

		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			if err := store.SaveTenant(ctx, t); err != nil {
				return fmt.Errorf("saving tenant: %w", err)
			}
			printSuccess("Tenant %s saved", t.ID)
			return nil
		})
	},
}

func init() {
	tenantCreateCmd.Flags().String("name", "", "firm name shown in reports (default: the tenant ID)")
	tenantCreateCmd.Flags().String("plan", "", "subscription plan (default: standard)")
	tenantCreateCmd.Flags().String("settings", "", "tenant settings as a JSON object")
	tenantCmd.AddCommand(tenantCreateCmd)
}

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Create and inspect appraisal cases",
}

var caseCreateCmd = &cobra.Command{
	Use:   "create <tenant>",
	Short: "Create a case through the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		status, _ := cmd.Flags().GetString("status")
		data, _ := cmd.Flags().GetString("data")

		req := map[string]any{}
		if id != "" {
			req["id"] = id
		}
		if status != "" {
			req["status"] = status
		}
		if data != "" {
			var pd map[string]any
			if err := json.Unmarshal([]byte(data), &pd); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}
			req["property_data"] = pd
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), casePath(args[0], ""), req)
		if err != nil {
			return err
		}
		var c storage.Case
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c.ID)
		printSuccess("Case %s created (%s)", c.ID, c.Status)
		return nil
	},
}

var caseShowCmd = &cobra.Command{
	Use:   "show <tenant> <case>",
	Short: "Show a case, or one of its views",
	Long: `Show a case as JSON. --view selects a related resource instead:
costs, audit, comparables, report or runs.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, _ := cmd.Flags().GetString("view")
		path := casePath(args[0], args[1])
		if view != "" {
			if !slices.Contains([]string{"costs", "audit", "comparables", "report", "runs"}, view) {
				return fmt.Errorf("unknown view %q", view)
			}
			path += "/" + view
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), out)
	},
}

func init() {
	caseCreateCmd.Flags().String("id", "", "case ID (default: generated)")
	caseCreateCmd.Flags().String("status", "", "initial status: draft or pending_intake")
	caseCreateCmd.Flags().String("data", "", "property data as a JSON object")
	caseShowCmd.Flags().String("view", "", "costs, audit, comparables, report or runs")
	caseCmd.AddCommand(caseCreateCmd)
	caseCmd.AddCommand(caseShowCmd)
}

// --- evidence ---

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Manage case evidence files",
}

var evidenceAttachCmd = &cobra.Command{
	Use:   "attach <tenant> <case> <file>...",
	Short: "Store files as case evidence and extract text excerpts",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg config.Config, store *storage.Store) error {
			files, err := attachEvidence(ctx, cfg, store, args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			for _, f := range files {
				excerpt := "no text"
				if f.TextExcerpt != "" {
					excerpt = fmt.Sprintf("%d chars of text", len([]rune(f.TextExcerpt)))
				}
				printSuccess("%s (%s, %d bytes, %s)", f.Name, f.ContentType, f.SizeBytes, excerpt)
			}
			return nil
		})
	},
}

func attachEvidence(ctx context.Context, cfg config.Config, store *storage.Store, tenantID, caseID string, paths []string) ([]storage.EvidenceFile, error) {
	if _, err := store.GetCase(ctx, caseID, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("case %s not found", caseID)
		}
		return nil, err
	}
	objects := evidence.NewObjectStore(filepath.Join(cfg.Storage.DataDir, "evidence"))
	return evidence.NewAttacher(objects, store, nil).Attach(ctx, tenantID, caseID, paths)
}

func init() {
	evidenceCmd.AddCommand(evidenceAttachCmd)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage research knowledge snippets",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a knowledge snippet for the research stage",
	Long: `Add a knowledge snippet for the research stage.

Examples:
  appraise knowledge add --topic "rates" --text "Base rate held at 4.25% in Q3"
  appraise knowledge add --tenant acme --topic "district" --file ./market.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		topic, _ := cmd.Flags().GetString("topic")
		source, _ := cmd.Flags().GetString("source")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")

		if (text == "") == (file == "") {
			return fmt.Errorf("exactly one of --text or --file is required")
		}
		if topic == "" {
			return fmt.Errorf("--topic is required")
		}

		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			k, err := addKnowledge(ctx, store, tenantID, topic, source, text, file)
			if err != nil {
				return err
			}
			scope := "all tenants"
			if k.TenantID != "" {
				scope = k.TenantID
			}
			printSuccess("Snippet %s added for %s", k.ID, scope)
			return nil
		})
	},
}

func addKnowledge(ctx context.Context, store *storage.Store, tenantID, topic, source, text, file string) (storage.KnowledgeSnippet, error) {
	if file != "" {
		extracted, err := evidence.ExtractText(file, evidence.DetectContentType(file), knowledgeMaxChars)
		if err != nil {
			return storage.KnowledgeSnippet{}, fmt.Errorf("extracting %s: %w", file, err)
		}
		if extracted == "" {
			return storage.KnowledgeSnippet{}, fmt.Errorf("no text found in %s", file)
		}
		text = extracted
		if source == "" {
			source = filepath.Base(file)
		}
	}
	if source == "" {
		source = "cli"
	}

	k := storage.KnowledgeSnippet{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Topic:    topic,
		Content:  text,
		Source:   source,
	}
	if err := store.SaveKnowledgeSnippet(ctx, k); err != nil {
		return storage.KnowledgeSnippet{}, fmt.Errorf("saving snippet: %w", err)
	}
	return k, nil
}

func init() {
	knowledgeAddCmd.Flags().String("tenant", "", "owning tenant (default: shared by all tenants)")
	knowledgeAddCmd.Flags().String("topic", "", "topic label")
	knowledgeAddCmd.Flags().String("source", "", "where the text came from")
	knowledgeAddCmd.Flags().String("text", "", "snippet text")
	knowledgeAddCmd.Flags().String("file", "", "PDF, HTML or text file to import")
	knowledgeCmd.AddCommand(knowledgeAddCmd)
}

// --- instructions ---

var instructionsCmd = &cobra.Command{
	Use:   "instructions",
	Short: "Manage stage instruction documents",
}

var instructionsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Store the bundled instruction documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			n, err := seedInstructions(ctx, store, force)
			if err != nil {
				return err
			}
			printSuccess("Seeded %d instruction documents", n)
			return nil
		})
	},
}

// seedInstructions writes the bundled documents, keeping existing ones
// unless force is set. It returns how many were written.
func seedInstructions(ctx context.Context, store *storage.Store, force bool) (int, error) {
	docs, err := instructions.Defaults()
	if err != nil {
		return 0, err
	}
	written := 0
	for _, name := range stage.Order {
		doc, ok := docs[string(name)]
		if !ok {
			continue
		}
		if !force {
			if _, err := store.GetInstruction(ctx, string(name)); err == nil {
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				return written, err
			}
		}
		if err := store.SetInstruction(ctx, string(name), doc); err != nil {
			return written, fmt.Errorf("storing %s: %w", name, err)
		}
		written++
	}
	return written, nil
}

var instructionsSetCmd = &cobra.Command{
	Use:   "set <stage> <file>",
	Short: "Replace one stage's instruction document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !slices.Contains(stage.Order, stage.Name(name)) {
			return fmt.Errorf("unknown stage %q", name)
		}
		doc, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			if err := store.SetInstruction(ctx, name, string(doc)); err != nil {
				return err
			}
			printSuccess("Instructions for %s updated; restart the server to pick them up", name)
			return nil
		})
	},
}

func init() {
	instructionsSeedCmd.Flags().Bool("force", false, "overwrite existing documents")
	instructionsCmd.AddCommand(instructionsSeedCmd)
	instructionsCmd.AddCommand(instructionsSetCmd)
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <tenant>",
	Short: "Verify a tenant's audit hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, _ config.Config, store *storage.Store) error {
			return verifyAudit(ctx, store, args[0])
		})
	},
}

func verifyAudit(ctx context.Context, store *storage.Store, tenantID string) error {
	n, err := store.VerifyAuditChain(ctx, tenantID)
	if err != nil {
		var chainErr *storage.ChainError
		if errors.As(err, &chainErr) {
			printError("%d events verified before event %d: %s", n, chainErr.EventID, chainErr.Reason)
		}
		return err
	}
	printSuccess("%d audit events verified for %s", n, tenantID)
	return nil
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
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
		cfg, err := config.LoadLocal()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
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

		if !slices.Contains(config.ValidKeys(), key) {
			return fmt.Errorf("unknown config key %q; valid keys: %v", key, config.ValidKeys())
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
