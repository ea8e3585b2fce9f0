package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fixmate/fixsync/internal/ctl"
	"github.com/fixmate/fixsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := ctl.New(session.SocketPath(sessionName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl messages <peer-id>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl send <peer-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2])
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl read <peer-id>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1])
	case "close":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl close <peer-id>")
			os.Exit(1)
		}
		cmdClose(ctx, c, args[1])
	case "refresh":
		cmdRefresh(ctx, c)
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl search <query>")
			os.Exit(1)
		}
		cmdSearch(ctx, c, args[1], *jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: fixsyncctl login <token>")
			os.Exit(1)
		}
		cmdLogin(ctx, c, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fixsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations          List cached conversations")
	fmt.Fprintln(os.Stderr, "  messages <peer-id>     Show the thread with a counterpart")
	fmt.Fprintln(os.Stderr, "  send <peer-id> <text>  Send a message")
	fmt.Fprintln(os.Stderr, "  read <peer-id>         Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  close <peer-id>        Stop polling a thread")
	fmt.Fprintln(os.Stderr, "  refresh                Request an immediate fetch")
	fmt.Fprintln(os.Stderr, "  search <query>         Full-text search over cached messages")
	fmt.Fprintln(os.Stderr, "  login <token>          Store a bearer token for this session")
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		die(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Status:  %s\n", st.Status)
	fmt.Printf("Fetch:   %s\n", st.FetchState)
	if st.Authenticated {
		fmt.Printf("Actor:   %s\n", st.ActorID)
	} else {
		fmt.Println("Actor:   (not logged in)")
	}
}

func cmdConversations(ctx context.Context, c *ctl.Client, jsonOut bool) {
	convos, err := c.Conversations(ctx)
	if err != nil {
		die(err)
	}
	if jsonOut {
		outputJSON(convos)
		return
	}
	if len(convos) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, cv := range convos {
		unread := ""
		if cv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", cv.UnreadCount)
		}
		fmt.Printf("%-24s %-20s %s%s\n", cv.PeerID, cv.PeerName, cv.LastMessagePreview, unread)
	}
}

func cmdMessages(ctx context.Context, c *ctl.Client, peerID string, jsonOut bool) {
	msgs, err := c.Messages(ctx, peerID, 0)
	if err != nil {
		die(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		who := m.SenderID
		if m.FromMe {
			who = "me"
		}
		ts := time.UnixMilli(m.SentAt).Format("2006-01-02 15:04")
		body := m.Body
		if body == "" && m.MediaURL != "" {
			body = "[file] " + m.MediaURL
		}
		marker := ""
		if m.Status == "failed" {
			marker = " [failed]"
		}
		fmt.Printf("%s  %-12s %s%s\n", ts, who+":", body, marker)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, peerID, text string) {
	id, err := c.Send(ctx, peerID, text, "")
	if err != nil {
		die(err)
	}
	fmt.Printf("queued %s\n", id)
}

func cmdRead(ctx context.Context, c *ctl.Client, peerID string) {
	if err := c.MarkRead(ctx, peerID); err != nil {
		die(err)
	}
	fmt.Println("marked read")
}

func cmdClose(ctx context.Context, c *ctl.Client, peerID string) {
	if err := c.Close(ctx, peerID); err != nil {
		die(err)
	}
	fmt.Println("thread closed")
}

func cmdRefresh(ctx context.Context, c *ctl.Client) {
	accepted, err := c.Refresh(ctx)
	if err != nil {
		die(err)
	}
	if accepted {
		fmt.Println("refresh scheduled")
	} else {
		fmt.Println("fetch already in flight, refresh dropped")
	}
}

func cmdSearch(ctx context.Context, c *ctl.Client, query string, jsonOut bool) {
	results, err := c.Search(ctx, query, "")
	if err != nil {
		die(err)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, r := range results {
		fmt.Printf("%-24s %s\n", r.Message.ConversationKey, r.Snippet)
	}
}

func cmdLogin(ctx context.Context, c *ctl.Client, token string) {
	actorID, err := c.Login(ctx, token)
	if err != nil {
		die(err)
	}
	fmt.Printf("logged in as %s\n", actorID)
}
