package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/leadbot/internal/config"
	"github.com/comigor/leadbot/internal/crm"
	"github.com/comigor/leadbot/internal/logger"
)

var importPropertiesCmd = &cobra.Command{
	Use:   "import-properties <file.json>",
	Short: "Load a JSON array of properties into the local catalogue",
	Long: `Reads a JSON array of properties and upserts them by code into the
sqlite catalogue used when property_lookup.source is "sqlite".

Example:
  leadbot import-properties catalogue.json
  [{"code":"AP101","type":"apartamento","city":"Campinas","price":450000,
    "bedrooms":2,"cover_photo":"https://cdn.example/ap101.jpg"}]`,
	Args: cobra.ExactArgs(1),
	RunE: runImportProperties,
}

func init() {
	rootCmd.AddCommand(importPropertiesCmd)
}

func runImportProperties(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.Log.Level)

	props, err := readProperties(args[0])
	if err != nil {
		return err
	}

	store, err := crm.OpenSQLite(cmd.Context(), cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, p := range props {
		if err := store.UpsertProperty(cmd.Context(), p); err != nil {
			return fmt.Errorf("property %s: %w", p.Code, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d properties into %s\n", len(props), cfg.Database.Path)
	return nil
}

func readProperties(path string) ([]crm.Property, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var props []crm.Property
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, p := range props {
		if p.Code == "" {
			return nil, fmt.Errorf("property #%d has no code", i)
		}
	}
	return props, nil
}
