package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/npezzotti/go-directchat/internal/client"
	"github.com/npezzotti/go-directchat/internal/types"
)

var (
	serverURL string
	email     string
	password  string
	username  string
	register  bool
)

const usage = `commands:
  /users            list users and their presence
  /open <user id>   open the conversation with a user
  /reply <id> text  reply to a message
  /delete <id>      delete one of your messages
  /quit             log out and exit
anything else is sent to the open conversation`

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "server base url")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&username, "username", "", "username, used with -register")
	flag.BoolVar(&register, "register", false, "create the account before logging in")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-directchat-client] ", log.LstdFlags)

	if email == "" || password == "" {
		logger.Fatal("-email and -password are required")
	}

	sess, err := client.NewSession(client.SessionConfig{
		ServerURL: serverURL,
		Logger:    logger,
		Conn: client.ConnOptions{
			OnStateChange: func(s client.ConnState) {
				logger.Printf("connection %s", s)
			},
		},
	})
	if err != nil {
		logger.Fatal("session:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if register {
		if username == "" {
			logger.Fatal("-username is required with -register")
		}
		if _, err := sess.API().Register(ctx, username, email, password); err != nil {
			logger.Fatal("register:", err)
		}
	}

	if err := sess.Login(ctx, email, password); err != nil {
		logger.Fatal("login:", err)
	}
	fmt.Printf("logged in as %s (%s)\n%s\n", sess.User().Username, sess.User().Id, usage)

	r := newRenderer(sess)
	go r.run(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !handleLine(ctx, sess, r, line) {
				break loop
			}
		}
	}

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer logoutCancel()
	if err := sess.Logout(logoutCtx); err != nil {
		logger.Println("logout:", err)
	}
}

func handleLine(ctx context.Context, sess *client.Session, r *renderer, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")

	switch cmd {
	case "":
		return true
	case "/quit":
		return false
	case "/users":
		users, err := sess.Users(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return true
		}
		for _, u := range users {
			status := "offline"
			if sess.IsOnline(u.Id) {
				status = "online"
			}
			fmt.Printf("  %s  %-20s %s\n", u.Id, u.Username, status)
		}
	case "/open":
		r.reset()
		if err := sess.OpenConversation(ctx, strings.TrimSpace(arg)); err != nil {
			fmt.Println("error:", err)
		}
	case "/reply":
		id, text, _ := strings.Cut(arg, " ")
		if _, err := sess.SendMessage(ctx, text, id); err != nil {
			fmt.Println("error:", err)
		}
	case "/delete":
		if err := sess.DeleteMessage(ctx, strings.TrimSpace(arg)); err != nil {
			fmt.Println("error:", err)
		}
		r.reset()
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println(usage)
			return true
		}
		if _, err := sess.SendMessage(ctx, line, ""); err != nil {
			fmt.Println("error:", err)
		}
	}

	return true
}

// renderer prints messages of the open conversation as they appear.
type renderer struct {
	sess *client.Session

	mu      sync.Mutex
	printed map[string]bool
	typing  bool
}

func newRenderer(sess *client.Session) *renderer {
	return &renderer{sess: sess, printed: make(map[string]bool)}
}

func (r *renderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.printed = make(map[string]bool)
}

func (r *renderer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.sess.Updates():
			r.render()
		}
	}
}

func (r *renderer) render() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.sess.Messages() {
		if r.printed[m.Id] {
			continue
		}
		r.printed[m.Id] = true
		fmt.Println(formatMessage(m))
	}

	if typing := r.sess.PeerTyping(); typing != r.typing {
		r.typing = typing
		if typing {
			fmt.Println("  ... typing")
		}
	}
}

func formatMessage(m types.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format(time.Kitchen), m.Sender.Username, m.Content)
	if m.ReplyTo != nil {
		if m.ReplyTo.Content != "" {
			fmt.Fprintf(&b, "  (re: %q)", m.ReplyTo.Content)
		} else {
			b.WriteString("  (re: deleted message)")
		}
	}
	fmt.Fprintf(&b, "  #%s", m.Id)
	return b.String()
}
