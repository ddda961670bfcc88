package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// exportRecord is the export file shape for one record.
type exportRecord struct {
	ID           string `yaml:"id" json:"id"`
	Payload      any    `yaml:"payload" json:"payload"`
	Encrypted    bool   `yaml:"encrypted,omitempty" json:"encrypted,omitempty"`
	LastModified string `yaml:"last_modified" json:"last_modified"`
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "advanced",
	Short:   "Export every local record, decrypted",
	Long: `Export all local records to stdout, grouped by collection. Encrypted
payloads are decrypted first, so treat the output as sensitive.

Formats: yaml (default) or json.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != "yaml" && format != "json" {
			return fmt.Errorf("unknown format %q, want yaml or json", format)
		}

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		all, err := env.store.ExportAll(context.Background())
		if err != nil {
			return err
		}

		out := make(map[string][]exportRecord, len(all))
		for collection, records := range all {
			exported := make([]exportRecord, 0, len(records))
			for _, rec := range records {
				// Decode so YAML renders the payload as structure, not a
				// JSON string blob.
				var payload any
				if err := json.Unmarshal(rec.Payload, &payload); err != nil {
					payload = string(rec.Payload)
				}
				exported = append(exported, exportRecord{
					ID:           rec.ID,
					Payload:      payload,
					Encrypted:    rec.Encrypted,
					LastModified: rec.LastModified.Format(time.RFC3339),
				})
			}
			out[collection] = exported
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		default:
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(out)
		}
	},
}

func init() {
	exportCmd.Flags().String("format", "yaml", "Output format (yaml or json)")
	rootCmd.AddCommand(exportCmd)
}
