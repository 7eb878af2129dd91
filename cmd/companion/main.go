// Package main is the console entry point of the persona chat companion.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/config"
)

var (
	characterFlag string
	sessionFlag   int64
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "companion - chat with a persona in the terminal",
	RunE:  runChat,
}

var charactersCmd = &cobra.Command{
	Use:   "characters",
	Short: "List available characters",
	RunE:  runCharacters,
}

func init() {
	rootCmd.Flags().StringVarP(&characterFlag, "character", "c", "", "Character id (defaults to DEFAULT_CHARACTER)")
	rootCmd.Flags().Int64VarP(&sessionFlag, "session", "s", 0, "Resume a stored session")
	rootCmd.AddCommand(charactersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 优雅关闭：控制台阻塞在 stdin 上，context 取消无法中断读取
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(cmd.OutOrStdout(), "\n正在关闭...")
		cancel()
		time.Sleep(500 * time.Millisecond)
		os.Exit(0)
	}()

	characterID := characterFlag
	if characterID == "" {
		characterID = cfg.DefaultCharacter
	}
	registry, err := character.LoadDir(cfg.CharactersDir)
	if err != nil {
		return err
	}
	bot, cleanup, err := buildBot(ctx, cfg, registry, characterID)
	if err != nil {
		return err
	}
	defer cleanup()

	if sessionFlag != 0 {
		if err := bot.LoadSession(ctx, sessionFlag); err != nil {
			return err
		}
	}

	c := &console{
		bot:        bot,
		characters: registry.IDs(),
		in:         cmd.InOrStdin(),
		out:        cmd.OutOrStdout(),
	}
	if err := c.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func runCharacters(cmd *cobra.Command, args []string) error {
	registry, err := character.LoadDir(config.Read().CharactersDir)
	if err != nil {
		return err
	}
	for _, id := range registry.IDs() {
		p, _ := registry.Get(id)
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, p.Name)
	}
	return nil
}
