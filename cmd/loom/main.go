// cmd/loom/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loom/internal/config"
	"loom/internal/pack"
	"loom/internal/packer"
	"loom/internal/repo"
)

var logger, _ = zap.NewDevelopment()

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom maintains pack-based version storage",
	Long: `Loom is the storage maintenance tool for pack-based repositories: it
creates repositories and consolidates, autopacks and reconciles their packs.`,
}

// openLocked opens the repository in the current directory and takes the
// write lock. The caller must Close it.
func openLocked() (*repo.Repository, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	r, err := repo.Open(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	if err := r.LockWrite(); err != nil {
		r.Close()
		return nil, fmt.Errorf("locking repository: %w", err)
	}
	return r, nil
}

func init() {
	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}

			r, err := repo.Init(dir, config.Default(), logger)
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			defer r.Close()

			fmt.Println("Initialized empty repository in", dir)
			return nil
		},
	}

	var packCmd = &cobra.Command{
		Use:   "pack",
		Short: "Consolidate all packs into one",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openLocked()
			if err != nil {
				return err
			}
			defer r.Close()

			before := len(r.Collection().Names())
			if err := r.Pack(context.Background()); err != nil {
				return fmt.Errorf("packing repository: %w", err)
			}
			after := len(r.Collection().Names())

			green := color.New(color.FgGreen).SprintFunc()
			if after < before {
				fmt.Printf("%s %d packs consolidated into %d\n", green("Packed:"), before, after)
			} else {
				fmt.Println("Nothing to pack")
			}
			return nil
		},
	}

	var autopackCmd = &cobra.Command{
		Use:   "autopack",
		Short: "Consolidate packs if the pack count crossed the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openLocked()
			if err != nil {
				return err
			}
			defer r.Close()

			packed, err := r.Autopack(context.Background())
			if err != nil {
				return fmt.Errorf("autopacking repository: %w", err)
			}
			if packed {
				green := color.New(color.FgGreen).SprintFunc()
				fmt.Printf("%s repository now holds %d packs\n",
					green("Autopacked:"), len(r.Collection().Names()))
			} else {
				fmt.Println("Pack count within threshold, nothing to do")
			}
			return nil
		},
	}

	var reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Repair records whose parents disagree with the revision ancestry",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openLocked()
			if err != nil {
				return err
			}
			defer r.Close()

			changed, err := r.Reconcile(context.Background())
			if err != nil {
				return fmt.Errorf("reconciling repository: %w", err)
			}
			if changed {
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Println(yellow("Reconciled:"), "inconsistent records were rewritten")
			} else {
				fmt.Println("Repository is consistent")
			}
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the pack layout of the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			r, err := repo.Open(dir, logger)
			if err != nil {
				return fmt.Errorf("opening repository: %w", err)
			}
			defer r.Close()

			c := r.Collection()
			revisions, err := c.CombinedIndex(pack.StreamRevisions).KeyCount()
			if err != nil {
				return fmt.Errorf("counting revisions: %w", err)
			}

			header := color.New(color.FgCyan)
			header.Printf("Repository: %s\n", dir)
			fmt.Printf("Revisions: %d\n", revisions)
			fmt.Printf("Packs:     %d (threshold %d)\n", len(c.Names()), packer.MaxPackCount(revisions))
			for _, name := range c.Names() {
				p, _ := c.GetPack(name)
				count, err := p.RevisionCount()
				if err != nil {
					return fmt.Errorf("counting pack %s: %w", name, err)
				}
				fmt.Printf("  %s  %d revisions\n", name, count)
			}
			if c.Stale() {
				yellow := color.New(color.FgYellow).SprintFunc()
				fmt.Println(yellow("Note:"), "pack set changed on disk, reload needed")
			}
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(autopackCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
