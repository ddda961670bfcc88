package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/satchel-sync/satchel/internal/engine"
	"github.com/satchel-sync/satchel/internal/queue"
)

var putCmd = &cobra.Command{
	Use:     "put <collection> <id> [json]",
	GroupID: "records",
	Short:   "Write a record locally and queue it for sync",
	Long: `Write a record. The payload is the third argument or, when omitted
or "-", read from stdin. The write lands in the local store immediately
and a queue item carries it to the remote service on the next drain pass.

The --expires flag accepts natural language ("tomorrow", "in 2 weeks")
as well as RFC 3339 timestamps.

Examples:
  satchel put notes n1 '{"title":"groceries"}'
  cat payload.json | satchel put notes n1
  satchel put sessions s9 '{"token":"..."}' --expires "in 30 minutes"`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]

		payload, err := readPayload(args)
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}

		opts := engine.EnqueueOptions{}
		opts.Priority, _ = cmd.Flags().GetInt("priority")

		if expires, _ := cmd.Flags().GetString("expires"); expires != "" {
			at, err := parseExpiry(expires)
			if err != nil {
				return err
			}
			opts.ExpiresAt = &at
		}

		if indexes, _ := cmd.Flags().GetStringSlice("index"); len(indexes) > 0 {
			opts.Index = make(map[string]string, len(indexes))
			for _, pair := range indexes {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid index %q, want name=value", pair)
				}
				opts.Index[k] = v
			}
		}

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		op := queue.OpUpdate
		if _, err := env.store.Get(collection, id); err != nil {
			op = queue.OpCreate
		}

		itemID, err := env.engine.Enqueue(context.Background(), collection, id, op, payload, opts)
		if err != nil {
			return err
		}

		fmt.Printf("Stored %s/%s (queued as item %d)\n", collection, id, itemID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> [id]",
	GroupID: "records",
	Short:   "Read records from the local store",
	Long: `Read one record, or every record in a collection when the id is
omitted. Encrypted records are decrypted transparently. Output is JSON.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		indexName, _ := cmd.Flags().GetString("index-name")
		indexValue, _ := cmd.Flags().GetString("index-value")

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		switch {
		case len(args) == 2:
			rec, err := env.store.Get(args[0], args[1])
			if err != nil {
				return err
			}
			return enc.Encode(rec)
		case indexName != "":
			recs, err := env.store.GetByIndex(args[0], indexName, indexValue)
			if err != nil {
				return err
			}
			return enc.Encode(recs)
		default:
			recs, err := env.store.GetAll(args[0])
			if err != nil {
				return err
			}
			return enc.Encode(recs)
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "records",
	Short:   "Delete a record locally and queue the deletion",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		itemID, err := env.engine.Enqueue(context.Background(), args[0], args[1], queue.OpDelete, nil, engine.EnqueueOptions{})
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %s/%s (queued as item %d)\n", args[0], args[1], itemID)
		return nil
	},
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 3 && args[2] != "-" {
		return []byte(args[2]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return data, nil
}

// parseExpiry accepts RFC 3339 or natural language expiry times.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, time.Now())
	if err != nil || r == nil {
		return time.Time{}, fmt.Errorf("cannot parse expiry %q", s)
	}
	if !r.Time.After(time.Now()) {
		return time.Time{}, fmt.Errorf("expiry %q is in the past", s)
	}
	return r.Time, nil
}

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	GroupID: "records",
	Short:   "List collections present in the local store",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		names, err := env.store.Collections(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			count, err := env.store.Count(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\n", name, count)
		}
		return nil
	},
}

func init() {
	putCmd.Flags().Int("priority", 0, "Sync priority (higher drains first)")
	putCmd.Flags().String("expires", "", "Local expiry (\"tomorrow\", \"in 2 weeks\", or RFC 3339)")
	putCmd.Flags().StringSlice("index", nil, "Index entries as name=value (repeatable)")

	getCmd.Flags().String("index-name", "", "Query by index name")
	getCmd.Flags().String("index-value", "", "Index value to match")

	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, collectionsCmd)
}
