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
	"syscall"
	"time"

	"go.uber.org/zap"

	"yuim/im-relay/pkg/client"
	"yuim/im-relay/pkg/client/conversation"
	"yuim/im-relay/pkg/protocol"
)

const usage = `commands:
  <text>          send to peer
  /history [n]    load the last n messages
  /read           mark peer's messages read
  /unsend <id>    retract one of your messages
  /delete <id>    hide a message on your devices
  /retry          resend failed messages
  /who            peer presence
  /quit`

func main() {
	var (
		url     string
		uid     int64
		peer    int64
		token   string
		verbose bool
	)
	flag.StringVar(&url, "url", "ws://127.0.0.1:7001/ws", "relay websocket url")
	flag.Int64Var(&uid, "uid", 0, "your identity")
	flag.Int64Var(&peer, "peer", 0, "identity to chat with")
	flag.StringVar(&token, "token", os.Getenv("IM_TOKEN"), "credential (default $IM_TOKEN)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	if uid <= 0 || peer <= 0 || token == "" {
		fmt.Fprintln(os.Stderr, "usage: im-chat -uid N -peer M -token JWT [-url ws://host/ws]")
		os.Exit(2)
	}

	var log *zap.Logger
	if verbose {
		log, _ = zap.NewDevelopment()
	} else {
		log = zap.NewNop()
	}
	defer log.Sync()

	c, err := client.New(client.Options{
		URL:      url,
		Identity: uid,
		Token:    token,
		Log:      log,
		OnTyping: func(_ string, ts []conversation.Typist) {
			for _, t := range ts {
				fmt.Printf("  (%s is typing)\n", name(t.DisplayName, t.Identity))
			}
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	incoming, cancelIn := client.Subscribe[protocol.Message](c, protocol.EventNewMessage, 64)
	defer cancelIn()
	errs, cancelErr := client.Subscribe[protocol.MessageError](c, protocol.EventMessageError, 16)
	defer cancelErr()
	unsent, cancelUnsent := client.Subscribe[protocol.MessageUnsent](c, protocol.EventMessageUnsent, 16)
	defer cancelUnsent()

	conv, err := c.Open(peer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case err := <-runErr:
			if errors.Is(err, client.ErrCredentialExpired) {
				fmt.Fprintln(os.Stderr, "session expired, log in again for a fresh token")
				os.Exit(3)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		case m := <-incoming:
			if m.SenderID == peer {
				fmt.Printf("[%d] %s: %s\n", m.ServerID, name(m.SenderName, m.SenderID), body(m))
			}
		case e := <-errs:
			fmt.Printf("  ! %s (%s)\n", e.Reason, e.Kind)
		case u := <-unsent:
			fmt.Printf("  message %d was unsent\n", u.MessageID)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !command(ctx, c, conv, peer, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// command runs one input line and reports whether to keep going.
func command(ctx context.Context, c *client.Client, conv *conversation.Store, peer int64, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		_ = c.Typing(peer, false)
		if _, err := c.Send(peer, line, "", 0); err != nil {
			fmt.Println("  !", err)
		}
		return true
	}

	fields := strings.Fields(line)
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch fields[0] {
	case "/quit":
		return false
	case "/history":
		n := 20
		if len(fields) > 1 {
			n, _ = strconv.Atoi(fields[1])
		}
		if _, err := c.History(rctx, peer, 0, n); err != nil {
			fmt.Println("  !", err)
			return true
		}
		for _, m := range conv.Messages() {
			fmt.Printf("[%d] %s: %s (%s)\n", m.ServerID, name(m.SenderName, m.SenderID), body(m), m.Status)
		}
	case "/read":
		ids, err := c.MarkRead(peer)
		if err != nil {
			fmt.Println("  !", err)
			return true
		}
		fmt.Printf("  marked %d read\n", len(ids))
	case "/unsend", "/delete":
		if len(fields) < 2 {
			fmt.Println(usage)
			return true
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("  ! bad id")
			return true
		}
		if fields[0] == "/unsend" {
			err = c.Unsend(rctx, id)
		} else {
			err = c.DeleteForMe(rctx, id)
		}
		if err != nil {
			fmt.Println("  !", err)
		}
	case "/retry":
		for _, m := range conv.Messages() {
			if m.Status == protocol.StatusFailed {
				if err := c.Retry(peer, m.ClientID); err != nil {
					fmt.Println("  !", err)
				}
			}
		}
	case "/who":
		p, err := c.Presence(rctx, peer)
		if err != nil {
			fmt.Println("  !", err)
			return true
		}
		if p.LastSeen != nil {
			fmt.Printf("  %d is %s, last seen %s\n", peer, p.Status, p.LastSeen.Local().Format(time.Kitchen))
		} else {
			fmt.Printf("  %d is %s\n", peer, p.Status)
		}
	default:
		fmt.Println(usage)
	}
	return true
}

func name(n string, id int64) string {
	if n != "" {
		return n
	}
	return strconv.FormatInt(id, 10)
}

func body(m protocol.Message) string {
	if m.Text == "" && m.MediaURL != "" {
		return "[media] " + m.MediaURL
	}
	return m.Text
}
