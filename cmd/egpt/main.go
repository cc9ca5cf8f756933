package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"egpt/internal/api"
	"egpt/internal/auth"
	"egpt/internal/chat"
	"egpt/internal/config"
	"egpt/internal/logging"
	"egpt/internal/session"
	"egpt/internal/store"
	"egpt/internal/topics"
	"egpt/internal/types"
	"egpt/internal/ui"
	"egpt/internal/uploader"
)

const usageText = `egpt is a terminal client for the ExplainGPT assistants.

Usage:
  egpt <command> [flags]

Commands:
  login    sign in and store the session
  logout   drop the stored session
  whoami   show the signed-in account
  ui       run the terminal UI
  chat     send one message and print the reply
  topics   list saved chats
  history  show a chat transcript
  upload   upload an attachment
  limits   show remaining request quota
  config   print the effective configuration
  help     show help

Flags:
  -h, --help   show help

Examples:
  egpt login --email me@example.com
  egpt chat --assistant explain_law "Как расторгнуть договор аренды?"
  egpt chat --topic 184 --file scan.pdf "Что в этом документе?"
  egpt history 184
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	case "login":
		exitOnErr("login", runLogin(args[1:]))
	case "logout":
		exitOnErr("logout", runLogout(args[1:]))
	case "whoami":
		exitOnErr("whoami", runWhoami(args[1:]))
	case "ui":
		exitOnErr("ui", runUI(args[1:]))
	case "chat":
		exitOnErr("chat", runChat(args[1:]))
	case "topics":
		exitOnErr("topics", runTopics(args[1:]))
	case "history":
		exitOnErr("history", runHistory(args[1:]))
	case "upload":
		exitOnErr("upload", runUpload(args[1:]))
	case "limits":
		exitOnErr("limits", runLimits(args[1:]))
	case "config":
		exitOnErr("config", runConfig(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// env bundles what every authenticated command needs.
type env struct {
	settings   config.Settings
	log        logging.Logger
	repo       store.Repository
	client     *api.Client
	supervisor *auth.Supervisor
}

func newEnv(ctx context.Context, logOut io.Writer) (*env, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	log := logging.New(logOut, logging.ParseLevel(settings.LogLevel()))

	dbPath, err := config.DatabasePath()
	if err != nil {
		return nil, err
	}
	repo, err := store.NewBboltRepository(dbPath)
	if err != nil {
		return nil, err
	}

	var supervisor *auth.Supervisor
	client := api.New(settings.BaseURL(), func() string {
		if supervisor == nil {
			return ""
		}
		return supervisor.Token()
	})
	supervisor = auth.NewSupervisor(client, repo.Credential(), log)

	if err := supervisor.Bootstrap(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return &env{
		settings:   settings,
		log:        log,
		repo:       repo,
		client:     client,
		supervisor: supervisor,
	}, nil
}

func (e *env) close() {
	if e != nil && e.repo != nil {
		_ = e.repo.Close()
	}
}

func (e *env) requireAuth() error {
	if e.supervisor.State() != auth.StateAuthenticated {
		return api.ErrNotAuthenticated
	}
	return nil
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if strings.TrimSpace(*email) == "" {
		fmt.Fprint(os.Stderr, "email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		*email = strings.TrimSpace(line)
	}
	if *password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		*password = string(raw)
	}

	if err := e.supervisor.Login(ctx, *email, *password); err != nil {
		return err
	}
	fmt.Println("signed in as", *email)
	return nil
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()

	e.supervisor.Logout(ctx)
	fmt.Println("signed out")
	return nil
}

func runWhoami(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	account, err := e.client.Self(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%d\n", account.ID)
	fmt.Fprintf(w, "EMAIL\t%s\n", account.Email)
	if account.Name != "" {
		fmt.Fprintf(w, "NAME\t%s\n", account.Name)
	}
	return w.Flush()
}

func runUI(args []string) error {
	fs := flag.NewFlagSet("ui", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	assistantFlag := fs.String("assistant", "", "assistant to start with (explain_gpt, explain_law, explain_estate)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logFile, err := openLogFile()
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, logFile)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	sessionStore := session.NewStore()
	cache := topics.NewCache(e.client, e.log)
	orch := chat.NewOrchestrator(e.client, sessionStore, cache, e.log)
	uploads := uploader.New(e.client, e.log)
	e.supervisor.OnLogout(func() {
		sessionStore.Reset()
		cache.Reset()
	})

	state, err := e.repo.AppState().Load(ctx)
	if err != nil {
		return err
	}
	assistant := types.AssistantType(strings.TrimSpace(*assistantFlag))
	if assistant == "" {
		assistant = state.ActiveAssistant
	}
	if assistant == "" {
		assistant = e.settings.DefaultAssistant()
	}
	sessionStore.SetAssistant(assistant)

	if limits, err := e.client.Limits(ctx); err == nil {
		sessionStore.SetLimits(limits)
	}

	model := ui.NewModel(orch, cache, sessionStore, uploads, ui.Options{
		Assistant:    assistant,
		Markdown:     e.settings.MarkdownEnabled(),
		SidebarWidth: e.settings.UI.SidebarWidth,
	}, e.log)
	runErr := ui.Run(model)

	saveErr := e.repo.AppState().Save(ctx, &store.AppState{
		ActiveAssistant: sessionStore.Assistant(),
		ActiveTopicID:   sessionStore.ActiveTopicID(),
	})
	if runErr != nil {
		return runErr
	}
	return saveErr
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	assistantFlag := fs.String("assistant", "", "assistant for a new chat")
	topicFlag := fs.Int64("topic", 0, "continue an existing chat instead of starting one")
	webSearch := fs.Bool("web-search", false, "allow web search")
	judicial := fs.Bool("judicial", false, "include judicial practice (law assistant)")
	var files stringList
	fs.Var(&files, "file", "attach a file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return errors.New("message text is required")
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	sessionStore := session.NewStore()
	cache := topics.NewCache(e.client, e.log)
	orch := chat.NewOrchestrator(e.client, sessionStore, cache, e.log)

	uploads := uploader.New(e.client, e.log)
	for _, path := range files {
		uploads.Add(ctx, path)
	}
	uploads.Wait()
	for _, item := range uploads.Items() {
		if item.Status == uploader.StatusError {
			return fmt.Errorf("upload %s: %s", item.Name, item.Err)
		}
	}

	assistant := e.settings.DefaultAssistant()
	if strings.TrimSpace(*assistantFlag) != "" {
		assistant = types.AssistantType(strings.TrimSpace(*assistantFlag))
	}
	params := chat.SendParams{
		Text:             text,
		Attachments:      uploads.Ready(),
		Assistant:        assistant,
		WebSearch:        *webSearch,
		JudicialPractice: *judicial,
	}

	unsubscribe := sessionStore.Subscribe(streamPrinter(sessionStore))
	defer unsubscribe()

	if *topicFlag > 0 {
		sessionStore.SetActiveTopic(*topicFlag)
		sessionStore.SetAssistant(assistant)
		if err := orch.Send(ctx, params); err != nil {
			return chatErr(err)
		}
	} else {
		topicID, err := orch.StartTopic(ctx, params)
		if err != nil {
			return chatErr(err)
		}
		orch.ResumePending(ctx, topicID)
		fmt.Fprintf(os.Stderr, "\ntopic: %d\n", topicID)
	}
	fmt.Println()
	return nil
}

// streamPrinter writes assistant text to stdout incrementally as the store
// grows it, and the quota notice when the stream ends in one.
func streamPrinter(sessionStore *session.Store) func() {
	printed := 0
	notified := false
	return func() {
		messages := sessionStore.Messages()
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.Role != types.RoleAssistant {
				continue
			}
			if msg.Kind == types.MessageKindLimitExceeded {
				if !notified {
					notified = true
					fmt.Fprintln(os.Stderr, "лимит запросов исчерпан")
				}
				return
			}
			if len(msg.Text) > printed {
				fmt.Print(msg.Text[printed:])
				printed = len(msg.Text)
			}
			return
		}
	}
}

func chatErr(err error) error {
	if errors.Is(err, chat.ErrQuotaExhausted) {
		return errors.New("лимит запросов исчерпан")
	}
	return err
}

func runTopics(args []string) error {
	fs := flag.NewFlagSet("topics", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	assistantFlag := fs.String("assistant", "", "scope the list to one assistant")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	topicsType := types.TopicsAll
	if strings.TrimSpace(*assistantFlag) != "" {
		topicsType = types.TopicsTypeFor(types.AssistantType(strings.TrimSpace(*assistantFlag)))
	}
	groups, err := e.client.ListTopics(ctx, topicsType, types.TopicStatusActive)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("no topics")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tASSISTANT\tNAME")
	for _, group := range groups {
		for _, topic := range group.Topics {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				topic.ID, group.Date.Format("2006-01-02"), topic.AssistantType, topic.TopicName)
		}
	}
	return w.Flush()
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: egpt history <topic-id>")
	}
	topicID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || topicID <= 0 {
		return errors.New("topic id must be a positive number")
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	messages, err := e.client.TopicHistory(ctx, topicID)
	if err != nil {
		return err
	}
	for i, msg := range messages {
		if i > 0 {
			fmt.Println()
		}
		label := "assistant"
		if msg.Role == types.RoleUser {
			label = "you"
		}
		fmt.Printf("[%s] %s\n", label, msg.CreatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Println(msg.Text)
		for _, att := range msg.Attachments {
			fmt.Printf("  attachment: %s\n", att.Filename)
		}
	}
	return nil
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: egpt upload <file>")
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	uploads := uploader.New(e.client, e.log)
	uploads.Add(ctx, fs.Arg(0))
	uploads.Wait()
	for _, item := range uploads.Items() {
		if item.Status == uploader.StatusError {
			return fmt.Errorf("upload %s: %s", item.Name, item.Err)
		}
		fmt.Println(item.AttachmentID)
	}
	return nil
}

func runLimits(args []string) error {
	fs := flag.NewFlagSet("limits", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	e, err := newEnv(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireAuth(); err != nil {
		return err
	}

	limits, err := e.client.Limits(ctx)
	if err != nil {
		return err
	}
	if limits.IsUnlimited {
		fmt.Println("unlimited")
		return nil
	}
	fmt.Printf("%d of %d requests available\n", limits.AvailableRequests, limits.Requests)
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	dump, err := settings.Dump()
	if err != nil {
		return err
	}
	fmt.Print(dump)
	return nil
}

func openLogFile() (*os.File, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	logPath, err := config.LogPath()
	if err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func exitOnErr(label string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s error: %v\n", label, err)
	os.Exit(1)
}
