package main

import (
	"fmt"
	"strconv"

	"dynamic-api/internal/generator"
	"dynamic-api/internal/models"
	"dynamic-api/internal/params"

	"github.com/spf13/cobra"
)

type inferredParam struct {
	Name        string          `yaml:"name"`
	Location    models.Location `yaml:"location"`
	Type        models.DataType `yaml:"type"`
	Required    bool            `yaml:"required"`
	Description string          `yaml:"description"`
}

func newInferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "infer <sql>",
		Short: "Show the parameters a SQL template would get",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := args[0]
			defs := params.Reconcile(params.Extract(sql), nil, sql)

			out := make([]inferredParam, 0, len(defs))
			for _, d := range defs {
				out = append(out, inferredParam{
					Name:        d.Name,
					Location:    d.Location,
					Type:        d.DataType,
					Required:    d.Required,
					Description: d.Description,
				})
			}
			return printYAML(cmd.OutOrStdout(), out)
		},
	}
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables <datasource-id>",
		Short: "List the tables of a datasource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.poolConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			tables, err := a.introspector.ListTables(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to list tables: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), tables)
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <datasource-id> <table>",
		Short: "Describe the columns of a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.poolConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			schema, err := a.introspector.DescribeTable(cmd.Context(), cfg, args[1])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), schema)
		},
	}
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <datasource-id> <table>",
		Short: "Draft CRUD endpoints for a table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			save, err := cmd.Flags().GetBool("save")
			if err != nil {
				return fmt.Errorf("failed to get save flag: %w", err)
			}
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return fmt.Errorf("failed to get name flag: %w", err)
			}
			path, err := cmd.Flags().GetString("path")
			if err != nil {
				return fmt.Errorf("failed to get path flag: %w", err)
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg, err := a.poolConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			schema, err := a.introspector.DescribeTable(cmd.Context(), cfg, args[1])
			if err != nil {
				return err
			}

			drafts := generator.GenerateCRUD(schema, name, path)
			if !save {
				return printYAML(cmd.OutOrStdout(), drafts)
			}

			saved, err := a.endpoints.SaveDrafts(cmd.Context(), id, drafts)
			if err != nil {
				return err
			}
			for _, ep := range saved {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s %s\t%s\n", ep.ID, ep.Method, ep.Path, ep.Status)
			}
			return nil
		},
	}

	cmd.Flags().Bool("save", false, "store the drafts as draft endpoints")
	cmd.Flags().String("name", "", "resource name used in endpoint names")
	cmd.Flags().String("path", "", "base path of the generated endpoints")
	return cmd
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid datasource id %q", s)
	}
	return uint(id), nil
}
