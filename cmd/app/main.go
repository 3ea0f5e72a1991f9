package main

import (
    "fmt"
    "os"

    "github.com/joho/godotenv"
    "github.com/spf13/cobra"

    cfgpkg "github.com/local/audiobooker/internal/config"
    logpkg "github.com/local/audiobooker/internal/logger"
)

func main() {
    if err := newRootCmd().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "error:", err)
        os.Exit(1)
    }
}

func newRootCmd() *cobra.Command {
    var cfg cfgpkg.Config
    cmd := &cobra.Command{
        Use:   "audiobooker",
        Short: "Turn PDF books into narrated chapter summaries",
        Long: `audiobooker extracts the text of a PDF book, infers its metadata and chapter
layout, summarizes every chapter with an LLM and narrates the summaries.

Configuration comes from the environment (a .env file is loaded when present).`,
        SilenceUsage:  true,
        SilenceErrors: true,
        PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
            // Load .env file if present (ignore errors)
            _ = godotenv.Load()
            cfg = cfgpkg.FromEnv()
            if problems := cfg.Validate(); len(problems) > 0 {
                return fmt.Errorf("invalid configuration: %v", problems)
            }
            opts := logpkg.OptionsFrom(cfg)
            // CLI commands keep stdout for their own output
            opts.Stderr = cmd.Name() != "serve"
            return logpkg.Init(opts)
        },
        PersistentPostRun: func(cmd *cobra.Command, args []string) {
            logpkg.Close()
        },
    }

    cmd.AddCommand(newServeCmd(&cfg))
    cmd.AddCommand(newProcessCmd(&cfg))
    cmd.AddCommand(newManifestCmd(&cfg))
    return cmd
}
