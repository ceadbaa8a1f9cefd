// Command hearth is the interactive shell: it runs the full daemon stack
// in-process (taking the profile lock) and exposes a line-based REPL for
// chatting, inviting and joining.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/fx"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/daemon"
	"github.com/hearthchat/hearth/internal/engine"
	"github.com/hearthchat/hearth/internal/home"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/store"
)

const prompt = "> "

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := home.Resolve(*profileFlag)
	if err := home.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var (
		eng *engine.Engine
		b   *bus.Bus
	)
	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile}),
		fx.Populate(&eng, &b),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	go printEvents(b)

	fmt.Printf("hearth shell, profile %q. /help for commands.\n", profile)
	repl(eng)
}

func printEvents(b *bus.Bus) {
	events, unsub := b.Subscribe("", 64)
	defer unsub()
	for evt := range events {
		switch p := evt.Payload.(type) {
		case bus.MessageRef:
			switch evt.Kind {
			case "message.received":
				fmt.Printf("\r%s: %s\n%s", p.Sender, p.Content, prompt)
			case "message.send_failed":
				fmt.Printf("\rsend failed, message kept local (%s)\n%s", p.MessageID, prompt)
			}
		case bus.StatusRef:
			fmt.Printf("\r[%s -> %s]\n%s", shortID(p.MessageID), p.Status, prompt)
		case bus.PhaseInfo:
			if evt.Kind == "sync.phase_complete" && p.Applied > 0 {
				fmt.Printf("\rsync: phase %d brought %d messages\n%s", p.Phase, p.Applied, prompt)
			}
		case bus.MemberInfo:
			if evt.Kind == "conversation.member_joined" {
				fmt.Printf("\r%s joined the conversation\n%s", p.DisplayName, prompt)
			}
		}
	}
}

func repl(eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print(prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print(prompt)
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if err := dispatch(eng, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print(prompt)
	}
}

func dispatch(eng *engine.Engine, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := eng.SendMessage(line)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		printHelp()
		return nil
	case "/list":
		return listConversations(eng)
	case "/use":
		return useSlot(eng, arg)
	case "/new":
		if arg == "" {
			return fmt.Errorf("usage: /new NAME")
		}
		conv, err := eng.CreateConversation(arg, registry.KindGroup)
		if err != nil {
			return err
		}
		fmt.Printf("created %q (%s)\n", conv.DisplayName, conv.ID)
		return eng.SetActive(conv.ID)
	case "/invite":
		return printInvite(eng)
	case "/join":
		if arg == "" {
			return fmt.Errorf("usage: /join CODE")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conv, err := eng.Join(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Printf("joined %q, catching up...\n", conv.DisplayName)
		return eng.SetActive(conv.ID)
	case "/sync":
		conv, ok := eng.Active()
		if !ok {
			return engine.ErrNoActiveConversation
		}
		return eng.RequestSync(conv.ID, 0)
	case "/history":
		return printHistory(eng)
	case "/delete":
		slot, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /delete SLOT")
		}
		return eng.DeleteConversation(slot)
	default:
		return fmt.Errorf("unknown command %q, /help for commands", cmd)
	}
}

func printHelp() {
	fmt.Println(`/list            held conversations
/use SLOT        switch the active conversation
/new NAME        create a conversation
/invite          publish an invite code for the active conversation
/join CODE       redeem an invite code
/sync            request a full catch-up for the active conversation
/history         print the active conversation's log
/delete SLOT     drop a conversation and its history
/quit            leave
anything else    send it to the active conversation`)
}

func listConversations(eng *engine.Engine) error {
	entries := eng.List()
	if len(entries) == 0 {
		fmt.Println("no conversations; /new or /join to start")
		return nil
	}
	active, _ := eng.Active()
	for _, e := range entries {
		marker := " "
		if active != nil && active.ID == e.Conversation.ID {
			marker = "*"
		}
		fmt.Printf("%s [%d] %s (%s)\n", marker, e.Slot, e.Conversation.DisplayName, shortID(e.Conversation.ID))
	}
	return nil
}

func useSlot(eng *engine.Engine, arg string) error {
	slot, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("usage: /use SLOT")
	}
	for _, e := range eng.List() {
		if e.Slot == slot {
			if err := eng.SetActive(e.Conversation.ID); err != nil {
				return err
			}
			fmt.Printf("now talking in %q\n", e.Conversation.DisplayName)
			return nil
		}
	}
	return fmt.Errorf("no conversation in slot %d", slot)
}

func printInvite(eng *engine.Engine) error {
	conv, ok := eng.Active()
	if !ok {
		return engine.ErrNoActiveConversation
	}
	code, err := eng.CreateInvite(conv.ID)
	if err != nil {
		return err
	}
	qr, err := qrcode.New(code, qrcode.Medium)
	if err == nil {
		fmt.Print(qr.ToSmallString(false))
	}
	fmt.Printf("invite code: %s (valid 5 minutes)\n", code)
	return nil
}

func printHistory(eng *engine.Engine) error {
	conv, ok := eng.Active()
	if !ok {
		return engine.ErrNoActiveConversation
	}
	msgs, err := eng.Messages(conv.ID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ts := time.Unix(m.CreatedAt, 0).Format("15:04")
		suffix := ""
		if m.Direction == store.Outgoing {
			suffix = " [" + string(m.Status) + "]"
		}
		fmt.Printf("%s %s: %s%s\n", ts, m.Sender, m.Content, suffix)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
