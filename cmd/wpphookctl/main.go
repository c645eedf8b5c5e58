package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/wpphook/internal/client"
	"github.com/matheus3301/wpphook/internal/config"
	"github.com/matheus3301/wpphook/internal/paths"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	configFlag := flag.String("config", paths.ConfigPath(), "config file")
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	addrFlag := flag.String("addr", "", "daemon HTTP address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Resolve(*configFlag, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *instanceFlag != "" {
		cfg.Instance = *instanceFlag
	}
	if err := paths.ValidateInstance(cfg.Instance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	addr := cfg.HTTP.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	socketPath := paths.Resolve(cfg.DataDir, cfg.Instance).SocketPath()
	c, err := client.New(client.BaseURL(addr), socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for instance %q: %v\n", cfg.Instance, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	timeout := 10 * time.Second
	if args[0] == "load" {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wpphookctl send <waId> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "load":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: wpphookctl load <dir>")
			os.Exit(1)
		}
		cmdLoad(ctx, c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wpphookctl [--instance <name>] [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon health and counters")
	fmt.Fprintln(os.Stderr, "  chats                       List conversation summaries")
	fmt.Fprintln(os.Stderr, "  messages <waId> [--limit N] Show conversation history")
	fmt.Fprintln(os.Stderr, "  send <waId> <text>          Submit an outbound message")
	fmt.Fprintln(os.Stderr, "  load <dir>                  POST every *.json in dir to /webhook")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	health, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	stats, statsErr := c.Stats(ctx)

	if jsonOut {
		raw, err := protojson.Marshal(health)
		if err != nil {
			fail(err)
		}
		out := map[string]any{"health": json.RawMessage(raw)}
		if stats != nil {
			out["stats"] = stats
		}
		if statsErr != nil {
			out["statsError"] = statsErr.Error()
		}
		outputJSON(out)
		return
	}

	fmt.Printf("Health:  %s\n", health.Status)
	if statsErr != nil {
		fmt.Printf("Stats:   unavailable (%v)\n", statsErr)
		return
	}
	state := string(stats.State)
	if stats.Reason != "" {
		state += " (" + stats.Reason + ")"
	}
	fmt.Printf("State:   %s\n", state)
	if stats.Store != nil {
		fmt.Printf("Records: %d messages, %d conversations, %d status events\n",
			stats.Store.Messages, stats.Store.Conversations, stats.Store.StatusEvents)
	}
	fmt.Printf("Clients: %d\n", len(stats.Subscribers))
	fmt.Printf("Dropped: %d\n", stats.DroppedEvents)
}

func cmdChats(ctx context.Context, c *client.Client, jsonOut bool) {
	chats, err := c.Chats(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(chats)
		return
	}
	if len(chats) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, s := range chats {
		when := "-"
		if s.LastTimestamp != nil {
			when = s.LastTimestamp.Local().Format(time.DateTime)
		}
		name := s.ContactName
		if name == "" {
			name = s.ConversationID
		}
		fmt.Printf("%-16s %-20s %-19s %-9s %s\n", s.ConversationID, name, when, s.LastStatus, s.LastMessage)
	}
}

func cmdMessages(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("limit", 0, "maximum number of messages (server default when 0)")
	// Accept the flag before or after the id.
	var waID string
	rest := args
	for len(rest) > 0 {
		if err := fs.Parse(rest); err != nil {
			fail(err)
		}
		rest = fs.Args()
		if len(rest) > 0 {
			if waID == "" {
				waID = rest[0]
			}
			rest = rest[1:]
		}
	}
	if waID == "" {
		fmt.Fprintln(os.Stderr, "usage: wpphookctl messages <waId> [--limit N]")
		os.Exit(1)
	}

	msgs, err := c.Messages(ctx, waID, *limit)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		when := "-"
		if m.OccurredAt != nil {
			when = m.OccurredAt.Local().Format(time.DateTime)
		}
		arrow := "<-"
		if m.Direction == "outbound" {
			arrow = "->"
		}
		fmt.Printf("%s %s [%s] %s\n", when, arrow, m.CurrentStatus, m.Body)
	}
}

func cmdSend(ctx context.Context, c *client.Client, waID, text string, jsonOut bool) {
	m, err := c.Send(ctx, waID, text)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("Queued %s to %s\n", m.MsgID, m.ConversationID)
}

func cmdLoad(ctx context.Context, c *client.Client, dir string, jsonOut bool) {
	results, err := c.LoadDir(ctx, dir)
	if err != nil {
		fail(err)
	}
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if jsonOut {
		outputJSON(results)
	} else {
		for _, r := range results {
			if r.OK {
				fmt.Printf("Posted %s\n", r.File)
			} else {
				fmt.Printf("Failed %s: %s\n", r.File, r.Error)
			}
		}
		fmt.Printf("%d posted, %d failed\n", len(results)-failed, failed)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
