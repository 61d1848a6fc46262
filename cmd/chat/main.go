// Terminal client for the agent chat platform.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"agentchat/internal/api"
	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/credential"
	"agentchat/internal/domain"
	"agentchat/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	creds, apiClient, err := authenticate(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ts := transport.New(transport.Options{
		BaseURL:              cfg.WSBaseURL,
		Credentials:          creds,
		MaxReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		DialTimeout:          cfg.DialTimeout,
		Logger:               logger,
	})

	registry := chat.New(apiClient, ts, logger)
	defer registry.Close()

	registry.SetResponseListener(func(fragment string, final bool) {
		if final {
			fmt.Println()
			fmt.Print("> ")
			return
		}
		fmt.Print(fragment)
	})
	registry.SetErrorListener(func(code, message string) {
		fmt.Printf("\n[agent error %s] %s\n> ", code, message)
	})

	if err := registry.RefreshAgents(ctx); err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if err := registry.RefreshSessions(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	if agent := registry.CurrentAgent(); agent != nil {
		fmt.Printf("Connected to %s. Agent: %s. Type /help for commands.\n", cfg.APIBaseURL, agent.Name)
	} else {
		fmt.Println("Connected, but no agents are available.")
	}

	return repl(ctx, registry, apiClient)
}

// authenticate builds the credential source: a static token when
// configured, otherwise a rotating pair from the login endpoint.
func authenticate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (credential.Source, *api.Client, error) {
	if cfg.AccessToken != "" {
		creds := credential.Static(cfg.AccessToken)
		return creds, api.NewClient(cfg.APIBaseURL, creds, logger), nil
	}

	if cfg.Username == "" || cfg.Password == "" {
		return nil, nil, fmt.Errorf("set CHAT_TOKEN, or CHAT_USERNAME and CHAT_PASSWORD")
	}

	loginClient := api.NewClient(cfg.APIBaseURL, nil, logger)
	tok, err := loginClient.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}

	creds := credential.NewRefreshing(tok.AccessToken, tok.RefreshToken, loginClient.RefreshFunc(), 0, logger)
	return creds, api.NewClient(cfg.APIBaseURL, creds, logger), nil
}

func repl(ctx context.Context, registry *chat.Registry, client *api.Client) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}
			if strings.HasPrefix(line, "/") {
				runCommand(ctx, registry, client, line)
				fmt.Print("> ")
				continue
			}
			if err := registry.SendMessage(ctx, line); err != nil {
				fmt.Println("send failed:", err)
				fmt.Print("> ")
			}
		}
	}
}

func runCommand(ctx context.Context, registry *chat.Registry, client *api.Client, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Println(`Commands:
  /agents              list agents
  /agent <id>          switch agent (starts a fresh draft)
  /config              show the current agent's configuration
  /sessions            list sessions for the current agent
  /use <id>            open a session
  /new [name]          start a fresh draft, or create a named session
  /rename <id> <name>  rename a session
  /delete <id>         delete a session
  /clear               clear the current session's history
  /quit                exit`)

	case "/agents":
		for _, a := range registry.Agents() {
			marker := " "
			if cur := registry.CurrentAgent(); cur != nil && cur.ID == a.ID {
				marker = "*"
			}
			fmt.Printf("%s %d  %s (%s)\n", marker, a.ID, a.Name, a.Kind)
		}

	case "/agent":
		id, ok := argID(args)
		if !ok {
			fmt.Println("usage: /agent <id>")
			return
		}
		if err := registry.SelectAgent(ctx, id); err != nil {
			fmt.Println("switch agent failed:", err)
		}

	case "/sessions":
		sessions := registry.Sessions()
		if len(sessions) == 0 {
			fmt.Println("no sessions yet")
			return
		}
		cur := registry.CurrentSession()
		for _, s := range sessions {
			marker := " "
			if cur != nil && cur.Ref.Equal(s.Ref) {
				marker = "*"
			}
			id, _ := s.Ref.ID()
			fmt.Printf("%s %d  %s\n", marker, id, s.Name)
		}

	case "/use":
		id, ok := argID(args)
		if !ok {
			fmt.Println("usage: /use <id>")
			return
		}
		if err := registry.SelectSession(ctx, domain.PersistedRef(id)); err != nil {
			fmt.Println("open session failed:", err)
			return
		}
		printLog(registry)

	case "/new":
		if len(args) > 0 {
			if _, err := registry.CreateSession(ctx, strings.Join(args, " ")); err != nil {
				fmt.Println("new session failed:", err)
			}
			return
		}
		if err := registry.StartDraft(); err != nil {
			fmt.Println("new session failed:", err)
		}

	case "/config":
		agent := registry.CurrentAgent()
		if agent == nil {
			fmt.Println("no agent selected")
			return
		}
		cfg, err := client.GetAgentConfig(ctx, agent.ID)
		if err != nil {
			fmt.Println("fetch config failed:", err)
			return
		}
		if len(cfg) == 0 {
			fmt.Println("no configuration")
			return
		}
		for k, v := range cfg {
			fmt.Printf("  %s: %v\n", k, v)
		}

	case "/rename":
		if len(args) < 2 {
			fmt.Println("usage: /rename <id> <name>")
			return
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Println("usage: /rename <id> <name>")
			return
		}
		if err := registry.RenameSession(ctx, id, strings.Join(args[1:], " ")); err != nil {
			fmt.Println("rename failed:", err)
		}

	case "/delete":
		id, ok := argID(args)
		if !ok {
			fmt.Println("usage: /delete <id>")
			return
		}
		if err := registry.DeleteSession(ctx, id); err != nil {
			fmt.Println("delete failed:", err)
		}

	case "/clear":
		if err := registry.ClearLog(ctx); err != nil {
			fmt.Println("clear failed:", err)
		}

	default:
		fmt.Println("unknown command, try /help")
	}
}

func argID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func printLog(registry *chat.Registry) {
	for _, entry := range registry.Log() {
		switch entry.Role {
		case domain.RoleUser:
			fmt.Println("you:", entry.Content)
		case domain.RoleAssistant:
			fmt.Println("agent:", entry.Content)
		}
	}
}
