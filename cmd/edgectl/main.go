package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sinosply/edge/internal/ctl"
	"github.com/sinosply/edge/internal/session"
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "messages":
		cmdMessages(ctx, c, *jsonFlag)
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: edgectl send <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, strings.Join(args[1:], " "))
	case "widget":
		if len(args) < 2 || (args[1] != "open" && args[1] != "close") {
			fmt.Fprintln(os.Stderr, "usage: edgectl widget <open|close>")
			os.Exit(1)
		}
		fatalOn(c.Widget(ctx, args[1] == "open"))
	case "upload":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: edgectl upload <file> [file...]")
			os.Exit(1)
		}
		cmdUpload(ctx, c, args[1:], *jsonFlag)
	case "identity":
		cmdIdentity(ctx, c, args[1:], *jsonFlag)
	case "collections":
		cmdCollections(ctx, c, *jsonFlag)
	case "catalog":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: edgectl catalog <list|get|create|update|delete> <collection> [args]")
			os.Exit(1)
		}
		cmdCatalog(ctx, c, args[1], args[2], args[3:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: edgectl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                             Show connection status")
	fmt.Fprintln(os.Stderr, "  messages                           Show chat history")
	fmt.Fprintln(os.Stderr, "  send <text>                        Send a chat message")
	fmt.Fprintln(os.Stderr, "  widget open|close                  Open or close the chat widget")
	fmt.Fprintln(os.Stderr, "  upload <file>...                   Send files as attachments")
	fmt.Fprintln(os.Stderr, "  identity [set|clear]               Show or change the visitor identity")
	fmt.Fprintln(os.Stderr, "  collections                        List cached catalog collections")
	fmt.Fprintln(os.Stderr, "  catalog list <coll>                Page through a cached collection")
	fmt.Fprintln(os.Stderr, "  catalog get <coll> <id>            Fetch one entity")
	fmt.Fprintln(os.Stderr, "  catalog create <coll> <json>       Create an entity")
	fmt.Fprintln(os.Stderr, "  catalog update <coll> <id> <json>  Update an entity")
	fmt.Fprintln(os.Stderr, "  catalog delete <coll> <id>         Delete an entity")
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session:  %s\n", st.SessionID)
	fmt.Printf("State:    %s\n", st.State)
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	fmt.Printf("Unread:   %d\n", st.Unread)
	if st.CounterpartTyping {
		fmt.Println("Support is typing...")
	}
	if st.LastUploadError != "" {
		fmt.Printf("Upload:   %s\n", st.LastUploadError)
	}
}

func cmdMessages(ctx context.Context, c *ctl.Client, jsonOut bool) {
	msgs, err := c.Messages(ctx, 50, 0)
	fatalOn(err)
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).Format("15:04")
		mark := ""
		if m.Sender == "user" && !m.Sent {
			mark = " (pending)"
		}
		body := m.Body
		if m.FileName != "" {
			body = fmt.Sprintf("%s [%s]", body, m.FileName)
		}
		fmt.Printf("%s %-8s %s%s\n", ts, m.Sender, body, mark)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, text string) {
	m, err := c.Send(ctx, text)
	fatalOn(err)
	fmt.Printf("queued %s\n", m.ID)
}

func cmdUpload(ctx context.Context, c *ctl.Client, paths []string, jsonOut bool) {
	res, err := c.Upload(ctx, paths)
	fatalOn(err)
	if jsonOut {
		outputJSON(res)
		return
	}
	for _, m := range res.Accepted {
		fmt.Printf("uploading %s (%s)\n", m.FileName, m.ID)
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(os.Stderr, "rejected %s: %s\n", r.Name, r.Error)
	}
	if len(res.Rejected) > 0 {
		os.Exit(1)
	}
}

func cmdIdentity(ctx context.Context, c *ctl.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		id, err := c.Identity(ctx)
		fatalOn(err)
		if jsonOut {
			outputJSON(id)
			return
		}
		fmt.Printf("Session:       %s\n", id.SessionID)
		fmt.Printf("Name:          %s\n", id.Name)
		fmt.Printf("Email:         %s\n", id.Email)
		fmt.Printf("Authenticated: %v\n", id.IsAuthenticated)
		return
	}

	switch args[0] {
	case "set":
		fs := flag.NewFlagSet("identity set", flag.ExitOnError)
		name := fs.String("name", "", "display name")
		email := fs.String("email", "", "email address")
		userID := fs.String("user", "", "authenticated user id")
		_ = fs.Parse(args[1:])
		id, err := c.SetIdentity(ctx, *name, *email, *userID)
		fatalOn(err)
		if jsonOut {
			outputJSON(id)
		}
	case "clear":
		// Back to a guest identity; the session id is kept.
		_, err := c.SetIdentity(ctx, "", "", "")
		fatalOn(err)
	default:
		fmt.Fprintln(os.Stderr, "usage: edgectl identity [set --name <n> --email <e> --user <id> | clear]")
		os.Exit(1)
	}
}

func cmdCollections(ctx context.Context, c *ctl.Client, jsonOut bool) {
	names, err := c.Collections(ctx)
	fatalOn(err)
	if jsonOut {
		outputJSON(names)
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func cmdCatalog(ctx context.Context, c *ctl.Client, verb, collection string, rest []string, jsonOut bool) {
	switch verb {
	case "list":
		fs := flag.NewFlagSet("catalog list", flag.ExitOnError)
		page := fs.Int("page", 1, "page number")
		limit := fs.Int("limit", 10, "page size")
		search := fs.String("search", "", "filter text")
		refresh := fs.Bool("refresh", false, "bypass the cache")
		_ = fs.Parse(rest)
		res, err := c.Catalog(ctx, collection, *page, *limit, *search, *refresh)
		fatalOn(err)
		if jsonOut {
			outputJSON(res)
			return
		}
		if res.Err != "" {
			fmt.Fprintf(os.Stderr, "warning: %s\n", res.Err)
		}
		for _, item := range res.Items {
			fmt.Println(string(item))
		}
		fmt.Printf("page %d/%d, %d total", res.Page, res.Pages, res.Total)
		if res.FromCache {
			fmt.Print(" (cached)")
		}
		if res.Refreshing {
			fmt.Print(" (refreshing)")
		}
		fmt.Println()
	case "get":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: edgectl catalog get <collection> <id>")
			os.Exit(1)
		}
		data, err := c.CatalogGet(ctx, collection, rest[0])
		fatalOn(err)
		fmt.Println(string(data))
	case "create":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: edgectl catalog create <collection> <json>")
			os.Exit(1)
		}
		data, err := c.CatalogCreate(ctx, collection, json.RawMessage(rest[0]))
		fatalOn(err)
		fmt.Println(string(data))
	case "update":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: edgectl catalog update <collection> <id> <json>")
			os.Exit(1)
		}
		data, err := c.CatalogUpdate(ctx, collection, rest[0], json.RawMessage(rest[1]))
		fatalOn(err)
		fmt.Println(string(data))
	case "delete":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "usage: edgectl catalog delete <collection> <id>")
			os.Exit(1)
		}
		fatalOn(c.CatalogDelete(ctx, collection, rest[0]))
		fmt.Println("deleted")
	default:
		fmt.Fprintf(os.Stderr, "unknown catalog command: %s\n", verb)
		os.Exit(1)
	}
}
