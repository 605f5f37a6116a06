package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foundry/pkg/client"
)

var submitCmd = &cobra.Command{
	Use:   "submit [packages...]",
	Short: "Queue packages for building",
	Long: `Queue packages on a running control plane, either from arguments
or from a YAML batch file.

Examples:
  # Queue two packages directly
  foundry submit sys-devel/gcc dev-lang/python

  # Queue a batch file
  foundry submit -f nightly.yaml`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "YAML batch file")
	submitCmd.Flags().String("server", "localhost:8100", "control plane address")
	submitCmd.Flags().String("admin-key", os.Getenv("FOUNDRY_ADMIN_KEY"), "admin key (or FOUNDRY_ADMIN_KEY)")
	submitCmd.Flags().String("session", "", "session name")
	rootCmd.AddCommand(submitCmd)
}

// batchFile is the YAML shape accepted by submit -f.
type batchFile struct {
	Session  string   `yaml:"session,omitempty"`
	Packages []string `yaml:"packages"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("admin-key")
	session, _ := cmd.Flags().GetString("session")

	batch := batchFile{Session: session, Packages: args}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file: %v", err)
		}
		if err := yaml.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if session != "" {
			batch.Session = session
		}
		batch.Packages = append(batch.Packages, args...)
	}
	if len(batch.Packages) == 0 {
		return fmt.Errorf("nothing to queue: pass packages or -f file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := client.New(server, key).Submit(ctx, batch.Packages, batch.Session)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Queued %d packages (%d already queued)\n", res.Queued, res.Skipped)
	fmt.Printf("  Session: %s\n", res.SessionID)
	return nil
}
