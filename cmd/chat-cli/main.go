package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"stream-chat/config"
	"stream-chat/pkg/auth"
	"stream-chat/pkg/chatclient"
	"stream-chat/pkg/protocol"

	"github.com/rs/zerolog"
)

var (
	reader = bufio.NewReader(os.Stdin)

	client *chatclient.Client
	api    *chatclient.API

	mu       sync.Mutex
	view     *chatclient.View
	turnDone chan struct{}

	lastConversationID string
)

func main() {
	server := flag.String("server", "http://localhost:8080", "chat service base URL")
	token := flag.String("token", "", "access token (minted from the config secret when empty)")
	user := flag.String("user", "cli-user", "user ID of the minted dev token")
	configPath := flag.String("config", "config/config.yml", "config used to mint a dev token")
	flag.Parse()

	if *token == "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			cfg = config.Default()
		}
		if cfg.Auth.JwtSecret == "" {
			fmt.Println("No token given and no jwt_secret configured")
			os.Exit(1)
		}
		*token, _, err = auth.NewJWTService(cfg.Auth.JwtSecret, cfg.Auth.Expire_Access_H).GenerateAccessToken(*user, *user)
		if err != nil {
			fmt.Printf("Failed to mint token: %v\n", err)
			os.Exit(1)
		}
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()
	client = chatclient.New(chatclient.Config{
		URL:   wsURL(*server) + "/api/v1/ws",
		Token: *token,
		Log:   log,
	})
	api = chatclient.NewAPI(*server, *token)

	client.OnStateChange(func(s chatclient.State) {
		switch s {
		case chatclient.StateReconnecting:
			fmt.Println("\n[connection lost, reconnecting...]")
		case chatclient.StateDisconnected:
			fmt.Println("\n[disconnected, choose Reconnect to try again]")
			finishTurn()
		}
	})
	go consumeEvents()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := client.Connect(ctx)
	cancel()
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
	}

	fmt.Println("Welcome to Stream Chat CLI")
	for {
		printMainMenu()
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func printMainMenu() {
	fmt.Printf("\n=== Main Menu (%s) ===\n", client.State())
	fmt.Println("1. Start New Chat")
	if lastConversationID != "" {
		fmt.Printf("2. Resume Chat (%s)\n", lastConversationID)
	} else {
		fmt.Println("2. Resume Chat")
	}
	fmt.Println("3. View History")
	fmt.Println("4. Reconnect")
	fmt.Println("5. Exit")
	fmt.Print("> ")

	switch prompt("") {
	case "1":
		handleNewChat()
	case "2":
		handleResumeChat()
	case "3":
		handleHistory()
	case "4":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.Reconnect(ctx); err != nil {
			fmt.Printf("Reconnect failed: %v\n", err)
		}
	case "5":
		_ = client.Close()
		fmt.Println("Goodbye!")
		os.Exit(0)
	default:
		fmt.Println("Invalid choice")
	}
}

func prompt(label string) string {
	fmt.Print(label)
	input, err := reader.ReadString('\n')
	if err != nil {
		_ = client.Close()
		os.Exit(0)
	}
	return strings.TrimSpace(input)
}

func handleNewChat() {
	title := prompt("Conversation Title (optional): ")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conv, err := api.CreateConversation(ctx, title)
	if err != nil {
		fmt.Printf("Failed to create conversation: %v\n", err)
		return
	}
	fmt.Printf("Conversation created: %s\n", conv.ID)
	enterChatLoop(conv.ID)
}

func handleResumeChat() {
	conversationID := lastConversationID
	if conversationID == "" {
		conversationID = pickConversation()
	}
	if conversationID == "" {
		return
	}
	enterChatLoop(conversationID)
}

// pickConversation lists the caller's conversations and reads a choice.
func pickConversation() string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	convs, err := api.ListConversations(ctx, 20, 0)
	if err != nil {
		fmt.Printf("Failed to list conversations: %v\n", err)
		return ""
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet. Please start a new chat.")
		return ""
	}
	for i, c := range convs {
		fmt.Printf("%d. %s (%d messages, %s)\n", i+1, c.Title, c.MessageCount, c.LastActivityAt.Local().Format("01-02 15:04"))
	}
	n, err := strconv.Atoi(prompt("> "))
	if err != nil || n < 1 || n > len(convs) {
		fmt.Println("Invalid choice")
		return ""
	}
	return convs[n-1].ID
}

func enterChatLoop(conversationID string) {
	lastConversationID = conversationID
	v := chatclient.NewView(conversationID, chatclient.ViewConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	msgs, err := api.History(ctx, conversationID, 200, 0)
	cancel()
	if err != nil {
		fmt.Printf("Failed to load history: %v\n", err)
		return
	}
	v.Ingest(msgs...)
	printEntries(v.Entries())

	mu.Lock()
	view = v
	mu.Unlock()
	defer func() {
		mu.Lock()
		view = nil
		mu.Unlock()
	}()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = client.Select(ctx, conversationID)
	cancel()
	if err != nil && !errors.Is(err, chatclient.ErrNotConnected) {
		fmt.Printf("Failed to subscribe: %v\n", err)
		return
	}
	if v.Generating() {
		waitTurn(conversationID)
	}

	fmt.Println("Type '/exit' to leave the chat, Ctrl-C stops a response.")
	for {
		msg := prompt("You: ")
		switch msg {
		case "/exit":
			return
		case "":
			continue
		}
		sendMessage(v, conversationID, msg)
	}
}

func sendMessage(v *chatclient.View, conversationID, content string) {
	o := v.AddOptimistic(content)
	done := startTurn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := client.Send(ctx, conversationID, content, o.LocalID)
	cancel()
	if err != nil {
		v.DropOptimistic(o.LocalID)
		finishTurn()
		switch {
		case chatclient.IsConflict(err):
			fmt.Println("A response is still being generated. Wait for it or press Ctrl-C to stop it.")
		case errors.Is(err, chatclient.ErrNotConnected):
			fmt.Println("Not connected. Choose Reconnect from the main menu.")
		default:
			fmt.Printf("Error sending message: %v\n", err)
		}
		return
	}
	fmt.Print("Bot: ")
	wait(conversationID, done)
}

func waitTurn(conversationID string) {
	fmt.Print("Bot (in progress): ")
	wait(conversationID, startTurn())
}

// wait blocks until the current response ends. Ctrl-C asks the server to
// stop it instead of quitting.
func wait(conversationID string, done <-chan struct{}) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	for {
		select {
		case <-done:
			return
		case <-sig:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			stopped, err := client.Stop(ctx, conversationID)
			cancel()
			if err != nil {
				fmt.Printf("\nStop failed: %v\n", err)
			} else if !stopped {
				finishTurn()
			}
		}
	}
}

func startTurn() <-chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	turnDone = make(chan struct{})
	return turnDone
}

func finishTurn() {
	mu.Lock()
	defer mu.Unlock()
	if turnDone != nil {
		close(turnDone)
		turnDone = nil
	}
}

func consumeEvents() {
	for ev := range client.Events() {
		mu.Lock()
		v := view
		mu.Unlock()
		if v == nil {
			continue
		}
		confirm := v.Apply(ev)
		switch ev.Type {
		case protocol.TypeStatus:
			if s := v.Status(); s != "" {
				fmt.Printf("[%s] ", s)
			}
		case protocol.TypeChunk:
			if ev.ConversationID == v.ConversationID() {
				fmt.Print(ev.Fragment)
			}
		case protocol.TypeError:
			fmt.Printf("\nError: %s", ev.Reason)
		}
		if confirm != "" {
			fmt.Println()
			go confirmMessage(v, confirm)
		}
	}
}

// confirmMessage reads the finished message back until it is durable; only
// then is the streamed copy released.
func confirmMessage(v *chatclient.View, messageID string) {
	defer finishTurn()
	for attempt := 0; attempt < 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msg, err := api.Message(ctx, messageID)
		cancel()
		if err == nil {
			v.Ingest(msg)
			if msg.Content != "" {
				return
			}
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
}

func handleHistory() {
	conversationID := pickConversation()
	if conversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := api.History(ctx, conversationID, 200, 0)
	if err != nil {
		fmt.Printf("Failed to retrieve history: %v\n", err)
		return
	}
	for _, msg := range msgs {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Role, msg.Content)
	}
	lastConversationID = conversationID
}

func printEntries(entries []chatclient.Entry) {
	for _, e := range entries {
		line := fmt.Sprintf("%s: %s", e.Role, e.Content)
		if e.Kind == chatclient.EntryStreaming {
			line += " ..."
		}
		if e.Error != "" {
			line += " [" + e.Error + "]"
		}
		fmt.Println(line)
	}
}
