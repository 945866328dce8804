package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/genchain/internal/diagram"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

func newMigrateCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", s.Driver())
			return nil
		},
	}
}

func newSweepCommand(c *commandContext) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail and refund generations stuck without a provider callback",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if timeout <= 0 {
				timeout = a.cfg.Sweep.Timeout
			}
			report, err := a.orchestrator.Sweep(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			a.orchestrator.Wait()
			rows := make([][]string, 0, len(report.Failed))
			for _, g := range report.Failed {
				rows = append(rows, []string{g.ID, g.UserID, g.ModelRecordID, g.WorkflowExecutionID, tokens(g.TokensUsed), relTime(g.UpdatedAt)})
			}
			out := cmd.OutOrStdout()
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable(out, []string{"Generation", "User", "Model", "Execution", "Tokens", "Updated"}, rows, 4))
			}
			for _, id := range report.Stalled {
				fmt.Fprintf(out, "execution %s stalled before dispatch, failed\n", id)
			}
			fmt.Fprintf(out, "failed %d, refunded %d, stalled %d\n", len(report.Failed), report.Refunded, len(report.Stalled))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Age after which a generation counts as stuck (default from config)")
	return cmd
}

func newTemplatesCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{Use: "templates", Short: "Manage workflow templates"}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Validate and store templates from YAML, TOML or JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			for _, path := range args {
				tpls, err := readTemplates(path)
				if err != nil {
					return err
				}
				for _, tpl := range tpls {
					if err := a.orchestrator.Define(cmd.Context(), tpl); err != nil {
						return fmt.Errorf("%s: template %q: %w", path, tpl.Name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s, %d steps)\n", tpl.ID, tpl.Name, tpl.TotalSteps())
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			tpls, err := s.ListTemplates(cmd.Context(), store.TemplateFilter{})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(tpls))
			for _, t := range tpls {
				chain := ""
				for i, st := range t.Steps {
					if i > 0 {
						chain += " → "
					}
					chain += st.ModelRecordID
				}
				rows = append(rows, []string{t.ID, t.Name, strconv.Itoa(t.TotalSteps()), chain})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Steps", "Models"}, rows, 2))
			return nil
		},
	})
	return cmd
}

func newModelsCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			rows := [][]string{}
			for _, m := range a.registry.List() {
				cost := tokens(m.TokenCost)
				if m.CostExpr != "" {
					cost += " (" + m.CostExpr + ")"
				}
				kind := m.OutputKind
				if kind == "" {
					kind = "url"
				}
				rows = append(rows, []string{m.ID, m.Provider, m.ContentType, kind, cost, strconv.Itoa(len(m.Rules))})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"ID", "Provider", "Content", "Output", "Cost", "Rules"}, rows, 4, 5))
			return nil
		},
	}
}

func newExecutionsCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{Use: "executions", Short: "Inspect workflow executions"}

	var userID, templateID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			filter := store.ExecutionFilter{UserID: userID, TemplateID: templateID, Limit: limit}
			if status != "" {
				st := schema.ExecutionStatus(status)
				filter.Status = &st
			}
			execs, err := s.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(execs))
			for _, e := range execs {
				rows = append(rows, []string{
					e.ID, e.TemplateID, e.UserID, string(e.Status),
					fmt.Sprintf("%d/%d", e.CurrentStep, e.TotalSteps), tokens(e.TokensUsed), relTime(e.CreatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
				[]string{"ID", "Template", "User", "Status", "Step", "Tokens", "Created"}, rows, 4, 5))
			return nil
		},
	}
	list.Flags().StringVar(&userID, "user", "", "Filter by user")
	list.Flags().StringVar(&templateID, "template", "", "Filter by template")
	list.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	show := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Print an execution with its generations and events as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			status, err := a.orchestrator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	var format, outPath string
	draw := &cobra.Command{
		Use:   "diagram <execution-id>",
		Short: "Draw the execution's step chain as Mermaid, ASCII or PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			status, err := a.orchestrator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tpl, err := a.store.GetTemplate(cmd.Context(), status.Execution.TemplateID)
			if err != nil {
				return err
			}
			model, err := diagram.Build(tpl, status.Execution, status.Generations)
			if err != nil {
				return err
			}
			body, _, err := diagram.Render(cmd.Context(), model, format)
			if err != nil {
				return err
			}
			if outPath != "" {
				return os.WriteFile(outPath, body, 0o644)
			}
			if format == diagram.FormatPNG {
				return fmt.Errorf("png output needs --out")
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	draw.Flags().StringVar(&format, "format", diagram.FormatASCII, "Output format: ascii, mermaid or png")
	draw.Flags().StringVarP(&outPath, "out", "o", "", "Write to a file instead of stdout")

	cmd.AddCommand(list, show, draw)
	return cmd
}

func newAccountsCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{Use: "accounts", Short: "Manage token balances"}

	parseAmount := func(s string) (int64, error) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid token amount %q", s)
		}
		return n, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <user-id> <balance>",
		Short: "Open an account with an initial balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.sql.CreateAccount(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s tokens\n", args[0], tokens(amount))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Add tokens to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			balance, err := a.ledger.Credit(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s tokens\n", args[0], tokens(balance))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a balance and its recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			balance, err := a.ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := a.sql.ListLedgerEntries(cmd.Context(), args[0], 20)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s tokens\n", args[0], tokens(balance))
			if len(entries) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Reason, tokens(e.Delta), tokens(e.BalanceAfter), e.GenerationID, relTime(e.CreatedAt)})
			}
			fmt.Fprintln(out, renderTable(out, []string{"Reason", "Delta", "Balance", "Generation", "When"}, rows, 1, 2))
			return nil
		},
	})
	return cmd
}
