package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/pynode/engine"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <engine-url> <dir>",
	Short: "Download the interpreter asset into a directory",
	Long: `Download the interpreter asset from an engine base URL into dir, so that
"pynode serve --engine-dir dir" can host it.

The download is checked the same way the engine checks it on load: an
HTML page served in place of the asset is rejected.`,
	Args: cobra.ExactArgs(2),
	Run:  runFetch,
}

func init() {
	fetchCmd.Flags().Bool("force", false, "Replace an existing asset")
	fetchCmd.Flags().Duration("timeout", 5*time.Minute, "Download timeout")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	path, err := fetchAsset(ctx, args[0], args[1], cfg.Engine.Asset, force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
}

// fetchAsset stores asset from base in dir and returns its path. An
// existing file is kept unless force is set.
func fetchAsset(ctx context.Context, base, dir, asset string, force bool) (string, error) {
	output := filepath.Join(dir, asset)
	if _, err := os.Stat(output); err == nil && !force {
		return output, nil
	}

	url, err := engine.AssetURL(base, asset)
	if err != nil {
		return "", err
	}
	data, err := engine.FetchAsset(ctx, http.DefaultClient, url, 0)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, asset+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), output); err != nil {
		return "", err
	}
	return output, nil
}
