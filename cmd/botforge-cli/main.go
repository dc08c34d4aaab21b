package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/botforge/botforge-go/internal/config"
	"github.com/botforge/botforge-go/internal/llm"
	"github.com/botforge/botforge-go/internal/logger"
	"github.com/botforge/botforge-go/internal/notify"
	"github.com/botforge/botforge-go/internal/session"
)

var (
	modelName    = flag.String("model", "", "Model name (overrides config)")
	systemPrompt = flag.String("system", "", "System prompt bound as an ad-hoc persona")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	model := cfg.LLM.Model
	if *modelName != "" {
		model = *modelName
	}

	client := llm.NewClient(cfg.LLM)
	svc := llm.NewService(client, model)

	sess := session.New()
	if *systemPrompt != "" {
		sess.BindPersona(*systemPrompt, "")
	}

	results := make(chan result, 1)
	ctl := session.NewController(sess, svc, &terminalNotifier{},
		session.WithOnComplete(func(m session.Message) { results <- result{msg: m} }),
		session.WithOnFailure(func(kind session.SendErrorKind, err error) { results <- result{err: err} }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl+C cancels an in-flight request, or exits when idle.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			if ctl.Busy() {
				if err := ctl.Cancel(); err == nil {
					// Unblock the prompt loop; the discarded late result
					// will never be delivered.
					results <- result{cancelled: true}
				}
				continue
			}
			cancel()
			os.Exit(0)
		}
	}()

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Println(boldGreen("BotForge"))
	fmt.Printf("Using model: %s\n", boldCyan(model))
	fmt.Println("Type your message and press Enter. Commands: /clear, exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(input) {
		case "":
			continue
		case "exit":
			return
		case "/clear":
			ctl.WithSession(func(s *session.Session) { s.ClearAll() })
			fmt.Println("Conversation cleared.")
			continue
		}

		ctl.WithSession(func(s *session.Session) { s.FillDraft(input) })
		if err := ctl.Send(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}

		res := <-results
		if res.cancelled {
			fmt.Println()
			continue
		}
		if res.err != nil {
			// Already surfaced by the notifier; the composed messages stay
			// intact and resendable.
			continue
		}
		ctl.WithSession(func(s *session.Session) { s.AppendDraft() })

		fmt.Print(boldCyan("Bot: "))
		fmt.Println(res.msg.Text)
		fmt.Println()
	}
}

type result struct {
	msg       session.Message
	err       error
	cancelled bool
}

// terminalNotifier prints notifications straight to the terminal.
type terminalNotifier struct{}

func (terminalNotifier) ShowMessage(text string) {
	fmt.Println(color.YellowString("%s", text))
}

func (terminalNotifier) ShowMessageWithAction(text, actionLabel string, action func()) {
	fmt.Println(color.YellowString("%s (%s)", text, actionLabel))
}

var _ notify.Notifier = terminalNotifier{}
