package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yungbote/smriti-backend/internal/app"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "graphctl",
		Short:        "Run and inspect the thought graph pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("quiet", false, "Suppress pipeline logs")

	embedCmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed one batch of new nodes",
		RunE:  runEmbed,
	}
	embedCmd.Flags().Int("batch-size", 0, "Nodes to claim (default from config)")
	root.AddCommand(embedCmd)

	inferCmd := &cobra.Command{
		Use:   "infer-edges",
		Short: "Infer edges for embedded nodes",
		RunE:  runInferEdges,
	}
	inferCmd.Flags().String("user", "", "Limit to one user id (default: every user with pending nodes)")
	inferCmd.Flags().Int("batch-size", 0, "Nodes to claim per user (default from config)")
	root.AddCommand(inferCmd)

	reflectCmd := &cobra.Command{
		Use:   "reflect",
		Short: "Synthesize reflections from new edges",
		RunE:  runReflect,
	}
	reflectCmd.Flags().Int("per-user", 0, "Edges per user (default from config)")
	reflectCmd.Flags().Int("overall", 0, "Edges per run (default from config)")
	root.AddCommand(reflectCmd)

	enqueueCmd := &cobra.Command{
		Use:       "enqueue [node_embed|edge_infer|reflection_synthesize|graph_mirror]",
		Short:     "Queue a stage run for the worker pool",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TypeNodeEmbed, jobs.TypeEdgeInfer, jobs.TypeReflectionSynthesize, jobs.TypeGraphMirror},
		RunE:      runEnqueue,
	}
	enqueueCmd.Flags().String("user", "", "Owner user id")
	enqueueCmd.Flags().Int("batch-size", 0, "batch_size payload field")
	root.AddCommand(enqueueCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node and edge counts per processing state",
		RunE:  runStats,
	}
	statsCmd.Flags().String("user", "", "Limit to one user id")
	root.AddCommand(statsCmd)

	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "List items that exhausted their retries",
		RunE:  runErrors,
	}
	errorsCmd.Flags().String("user", "", "Limit to one user id")
	errorsCmd.Flags().String("stage", "", "embedding, edges or reflection")
	errorsCmd.Flags().Int("limit", 50, "Maximum rows")
	root.AddCommand(errorsCmd)

	feedbackCmd := &cobra.Command{
		Use:   "feedback [reflection_id] [-1|0|1]",
		Short: "Record user feedback on a reflection",
		Args:  cobra.ExactArgs(2),
		RunE:  runFeedback,
	}
	feedbackCmd.Flags().String("user", "", "Reflection owner (required)")
	_ = feedbackCmd.MarkFlagRequired("user")
	root.AddCommand(feedbackCmd)

	reflectionsCmd := &cobra.Command{
		Use:   "reflections",
		Short: "List or delete a user's reflections",
	}
	reflectionsCmd.PersistentFlags().String("user", "", "Reflection owner (required)")
	_ = reflectionsCmd.MarkPersistentFlagRequired("user")
	listReflectionsCmd := &cobra.Command{
		Use:   "list",
		Short: "List reflections, newest first",
		RunE:  runListReflections,
	}
	listReflectionsCmd.Flags().Int("limit", 50, "Maximum rows")
	reflectionsCmd.AddCommand(listReflectionsCmd, &cobra.Command{
		Use:   "delete [reflection_id]",
		Short: "Delete a reflection; its edges stay in the graph",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteReflection,
	})
	root.AddCommand(reflectionsCmd)

	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Copy one user's graph metadata to Neo4j",
		RunE:  runMirror,
	}
	mirrorCmd.Flags().String("user", "", "User id (required)")
	_ = mirrorCmd.MarkFlagRequired("user")
	root.AddCommand(mirrorCmd)

	return root
}

func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	var log *logger.Logger
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		log = logger.NewNop()
	}
	return app.New(cmd.Context(), cfg, log)
}

func userFlag(cmd *cobra.Command) (*uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("user")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --user: %w", err)
	}
	return &id, nil
}

func intFlag(cmd *cobra.Command, name string, def int) int {
	if v, _ := cmd.Flags().GetInt(name); v > 0 {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}
	out, err := orch.TriggerEmbedding(cmd.Context(), intFlag(cmd, "batch-size", a.Cfg.Pipeline.Embedding.BatchSize))
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runInferEdges(cmd *cobra.Command, _ []string) error {
	userID, err := userFlag(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}
	out, err := orch.TriggerEdgeInference(cmd.Context(), userID, intFlag(cmd, "batch-size", a.Cfg.Pipeline.Edges.BatchSize))
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runReflect(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}
	rc := a.Cfg.Pipeline.Reflection
	out, err := orch.TriggerReflection(cmd.Context(), intFlag(cmd, "per-user", rc.BatchSizePerUser), intFlag(cmd, "overall", rc.OverallBatchSize))
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	userID, err := userFlag(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	payload := map[string]any{}
	if n := intFlag(cmd, "batch-size", 0); n > 0 {
		payload["batch_size"] = n
	}
	job, err := a.Services.Jobs.Enqueue(dbctx.Background(cmd.Context()), userID, args[0], payload)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"job_id": job.ID, "job_type": job.JobType, "status": job.Status})
}

func runStats(cmd *cobra.Command, _ []string) error {
	userID, err := userFlag(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	stats, err := a.Services.Graph.Stats(dbctx.Background(cmd.Context()), userID)
	if err != nil {
		return err
	}
	return printJSON(cmd, stats)
}

func runErrors(cmd *cobra.Command, _ []string) error {
	userID, err := userFlag(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	stage, _ := cmd.Flags().GetString("stage")
	limit, _ := cmd.Flags().GetInt("limit")
	rows, err := a.Services.Graph.ListErrors(dbctx.Background(cmd.Context()), userID, stage, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd, rows)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	reflectionID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid reflection id: %w", err)
	}
	var value int
	if _, err := fmt.Sscanf(args[1], "%d", &value); err != nil {
		return fmt.Errorf("invalid feedback %q: %w", args[1], err)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	if err := a.Services.Graph.SetReflectionFeedback(dbctx.Background(cmd.Context()), userID, reflectionID, value); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func requireUser(cmd *cobra.Command) (uuid.UUID, error) {
	userID, err := userFlag(cmd)
	if err != nil {
		return uuid.Nil, err
	}
	if userID == nil {
		return uuid.Nil, fmt.Errorf("--user is required")
	}
	return *userID, nil
}

func runListReflections(cmd *cobra.Command, _ []string) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	limit, _ := cmd.Flags().GetInt("limit")
	rows, err := a.Services.Graph.ListReflections(dbctx.Background(cmd.Context()), userID, limit)
	if err != nil {
		return err
	}
	return printJSON(cmd, rows)
}

func runDeleteReflection(cmd *cobra.Command, args []string) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	reflectionID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid reflection id: %w", err)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	if err := a.Services.Graph.DeleteReflection(dbctx.Background(cmd.Context()), userID, reflectionID); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "deleted")
	return nil
}

func runMirror(cmd *cobra.Command, _ []string) error {
	userID, err := requireUser(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	out, err := a.Mirror().MirrorUser(cmd.Context(), userID)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}
