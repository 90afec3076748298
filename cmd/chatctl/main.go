package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/profile"
)

type cli struct {
	client  *api.Client
	jsonOut bool
	as      string
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	asFlag := flag.String("as", "", "act as this user when the agent runs without authentication")
	flag.Parse()

	cfg, err := config.Resolve(profile.ConfigPath())
	if err != nil {
		fail(fmt.Errorf("load config: %w", err))
	}
	name := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "login" {
		need(args, 2, "login <user>")
		cmdLogin(cfg, name, args[1])
		return
	}

	var opts []api.ClientOption
	if token, err := os.ReadFile(profile.TokenPath(name)); err == nil {
		opts = append(opts, api.WithToken(strings.TrimSpace(string(token))))
	}
	c, err := api.Dial(profile.SocketPath(name), opts...)
	if err != nil {
		fail(fmt.Errorf("cannot connect to agent for profile %q: %w", name, err))
	}
	defer func() { _ = c.Close() }()

	cl := &cli{client: c, jsonOut: *jsonFlag, as: *asFlag}

	switch args[0] {
	case "watch", "events", "typing-watch":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cl.stream(ctx, args)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl.run(ctx, args)
}

func (cl *cli) run(ctx context.Context, args []string) {
	c := cl.client
	switch args[0] {
	case "status":
		resp, err := c.GetStatus(ctx)
		cl.print(resp, err, func() {
			fmt.Printf("Profile:      %s\n", resp.Profile)
			fmt.Printf("Network:      %s\n", resp.Network)
			fmt.Printf("Queued:       %d\n", resp.Queued)
			fmt.Printf("Dead letters: %d\n", resp.DeadLetters)
			fmt.Printf("Uptime:       %dms\n", resp.UptimeMs)
		})
	case "ensure":
		need(args, 3, "ensure <userA> <userB>")
		resp, err := c.EnsureChat(ctx, &api.EnsureChatRequest{UserA: args[1], UserB: args[2]})
		cl.print(resp, err, func() { fmt.Println(resp.ChatID) })
	case "chats":
		user := cl.as
		if len(args) > 1 {
			user = args[1]
		}
		resp, err := c.ListChats(ctx, &api.ListChatsRequest{UserID: user})
		cl.print(resp, err, func() {
			if len(resp.Chats) == 0 {
				fmt.Println("No chats.")
			}
			for _, ch := range resp.Chats {
				fmt.Printf("%-40s unread=%-3d %s\n", ch.ID, ch.UnreadCount, ch.LastMessage)
			}
		})
	case "send":
		need(args, 3, "send <chatId> <text...>")
		resp, err := c.Send(ctx, &api.SendRequest{ChatID: args[1], SenderID: cl.as, Text: strings.Join(args[2:], " ")})
		cl.print(resp, err, func() {
			if resp.Pending {
				fmt.Printf("queued %s\n", resp.MessageID)
			} else {
				fmt.Printf("sent %s\n", resp.MessageID)
			}
		})
	case "timeline":
		need(args, 2, "timeline <chatId>")
		resp, err := c.Timeline(ctx, &api.TimelineRequest{ChatID: args[1], ViewerID: cl.as})
		cl.print(resp, err, func() { printMessages(resp.Messages) })
	case "seen":
		need(args, 2, "seen <chatId>")
		resp, err := c.MarkSeen(ctx, &api.MarkSeenRequest{ChatID: args[1], ReaderID: cl.as})
		cl.print(resp, err, func() { fmt.Printf("marked %d message(s) seen\n", resp.Added) })
	case "delete":
		need(args, 3, "delete <chatId> <messageId...>")
		resp, err := c.DeleteMessages(ctx, &api.DeleteMessagesRequest{ChatID: args[1], MessageIDs: args[2:], RequesterID: cl.as})
		cl.print(resp, err, func() { fmt.Printf("deleted %d message(s)\n", resp.Deleted) })
	case "delete-chat":
		need(args, 2, "delete-chat <chatId>")
		resp, err := c.DeleteChat(ctx, &api.DeleteChatRequest{ChatID: args[1], RequesterID: cl.as})
		cl.print(resp, err, func() { fmt.Println("chat deleted") })
	case "summary":
		need(args, 2, "summary <chatId>")
		resp, err := c.RecomputeSummary(ctx, &api.RecomputeSummaryRequest{ChatID: args[1]})
		cl.print(resp, err, func() { fmt.Printf("%s: %s\n", resp.Chat.ID, resp.Chat.LastMessage) })
	case "typing":
		need(args, 3, "typing <chatId> on|off")
		resp, err := c.SetTyping(ctx, &api.SetTypingRequest{ChatID: args[1], UserID: cl.as, IsTyping: args[2] == "on"})
		cl.print(resp, err, func() {})
	case "queue":
		cl.queue(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func (cl *cli) queue(ctx context.Context, args []string) {
	c := cl.client
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		req := &api.ListQueuedRequest{}
		if len(args) > 1 {
			req.ChatID = args[1]
		}
		resp, err := c.ListQueued(ctx, req)
		cl.print(resp, err, func() {
			for _, q := range resp.Queued {
				fmt.Printf("queued  %s %s retries=%d %s\n", q.LocalID, q.ChatID, q.RetryCount, q.Text)
			}
			for _, d := range resp.DeadLetters {
				fmt.Printf("failed  %s %s %s (%s)\n", d.LocalID, d.ChatID, d.Text, d.Reason)
			}
		})
	case "flush":
		resp, err := c.Flush(ctx)
		cl.print(resp, err, func() {
			fmt.Printf("attempted=%d delivered=%d retried=%d failed=%d\n",
				resp.Attempted, resp.Delivered, resp.Retried, resp.DeadLettered)
		})
	case "requeue":
		need(args, 2, "queue requeue <localId>")
		resp, err := c.Requeue(ctx, &api.RequeueRequest{LocalID: args[1]})
		cl.print(resp, err, func() { fmt.Printf("requeued %s\n", resp.Entry.LocalID) })
	case "discard":
		need(args, 2, "queue discard <localId>")
		resp, err := c.Discard(ctx, &api.DiscardRequest{LocalID: args[1]})
		cl.print(resp, err, func() { fmt.Printf("discarded=%v\n", resp.Discarded) })
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func (cl *cli) stream(ctx context.Context, args []string) {
	c := cl.client
	switch args[0] {
	case "watch":
		need(args, 2, "watch <chatId>")
		s, err := c.WatchChat(ctx, &api.WatchChatRequest{ChatID: args[1], ViewerID: cl.as})
		if err != nil {
			fail(err)
		}
		follow(ctx, s, cl.jsonOut, func(snap *api.Snapshot) {
			fmt.Printf("--- %s (%d messages)\n", snap.ChatID, len(snap.Messages))
			printMessages(snap.Messages)
		})
	case "events":
		req := &api.WatchEventsRequest{}
		if len(args) > 1 {
			req.Prefix = args[1]
		}
		s, err := c.WatchEvents(ctx, req)
		if err != nil {
			fail(err)
		}
		follow(ctx, s, cl.jsonOut, func(evt *api.EventEnvelope) {
			fmt.Printf("%s %s %s\n", time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly), evt.Kind, evt.Payload)
		})
	case "typing-watch":
		need(args, 2, "typing-watch <chatId>")
		s, err := c.WatchTyping(ctx, &api.WatchTypingRequest{ChatID: args[1], ViewerID: cl.as})
		if err != nil {
			fail(err)
		}
		follow(ctx, s, cl.jsonOut, func(evt *api.TypingEvent) {
			if evt.IsTyping {
				fmt.Printf("%s is typing...\n", evt.UserID)
			} else {
				fmt.Printf("%s stopped typing\n", evt.UserID)
			}
		})
	}
}

func follow[T any](ctx context.Context, s *api.ClientStream[T], jsonOut bool, show func(*T)) {
	for {
		m, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(m)
			continue
		}
		show(m)
	}
}

func cmdLogin(cfg *config.Config, name, user string) {
	if cfg.Auth.JWTSecret == "" {
		fail(errors.New("no jwt_secret configured; the agent runs without authentication, use --as instead"))
	}
	tokens, err := identity.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		fail(err)
	}
	token, err := tokens.Issue(user)
	if err != nil {
		fail(err)
	}
	if err := profile.EnsureDir(name); err != nil {
		fail(err)
	}
	if err := os.WriteFile(profile.TokenPath(name), []byte(token+"\n"), 0600); err != nil {
		fail(err)
	}
	fmt.Printf("logged in as %s on profile %s\n", user, name)
}

func printMessages(msgs []api.Message) {
	for _, m := range msgs {
		ts := time.UnixMilli(m.CreatedAtUnixMs).Format(time.DateTime)
		status := ""
		if m.Status != "" {
			status = " [" + m.Status + "]"
		}
		fmt.Printf("%s %-12s %s%s\n", ts, m.SenderID, m.Text, status)
	}
}

func (cl *cli) print(resp any, err error, human func()) {
	if err != nil {
		fail(err)
	}
	if cl.jsonOut {
		outputJSON(resp)
		return
	}
	human()
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatctl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] [--as <user>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <user>                 Issue and store a bearer token")
	fmt.Fprintln(os.Stderr, "  status                       Show agent status")
	fmt.Fprintln(os.Stderr, "  ensure <userA> <userB>       Find or create a chat")
	fmt.Fprintln(os.Stderr, "  chats [user]                 List chats with unread counts")
	fmt.Fprintln(os.Stderr, "  send <chatId> <text...>      Send a text message")
	fmt.Fprintln(os.Stderr, "  timeline <chatId>            Show the merged timeline")
	fmt.Fprintln(os.Stderr, "  seen <chatId>                Mark the chat as seen")
	fmt.Fprintln(os.Stderr, "  delete <chatId> <id...>      Delete own messages")
	fmt.Fprintln(os.Stderr, "  delete-chat <chatId>         Delete a chat")
	fmt.Fprintln(os.Stderr, "  summary <chatId>             Recompute the chat summary")
	fmt.Fprintln(os.Stderr, "  typing <chatId> on|off       Set the typing flag")
	fmt.Fprintln(os.Stderr, "  queue [list|flush]           Inspect or flush the offline queue")
	fmt.Fprintln(os.Stderr, "  queue requeue|discard <id>   Retry or drop a failed message")
	fmt.Fprintln(os.Stderr, "  watch <chatId>               Stream chat snapshots")
	fmt.Fprintln(os.Stderr, "  typing-watch <chatId>        Stream typing events")
	fmt.Fprintln(os.Stderr, "  events [prefix]              Stream raw agent events")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
