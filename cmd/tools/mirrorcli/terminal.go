package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	modelchat "github.com/zhouzirui/the-mirror/backend/internal/model/chat"
	"github.com/zhouzirui/the-mirror/backend/internal/model/onboarding"
	"github.com/zhouzirui/the-mirror/backend/internal/service/chat"
)

// runChat reads user lines from in and prints the streamed transcript to out.
// "/analyze" analyses the last sent line, "/quit" ends the session.
func runChat(ctx context.Context, conv *chat.Conversation, in io.Reader, out io.Writer, onboard bool) error {
	scanner := bufio.NewScanner(in)
	_, events, cancel := conv.Store().Watch(1024)
	defer cancel()

	t := &terminal{
		events:  events,
		out:     out,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}

	if onboard {
		var answers onboarding.Answers
		for _, q := range onboarding.Questions() {
			answer, ok := ask(scanner, out, fmt.Sprintf("%d/3 %s", q.Step, q.Prompt))
			if !ok {
				return scanner.Err()
			}
			if err := answers.Set(q.Key, answer); err != nil {
				return err
			}
		}
		if err := conv.StartAsync(answers); err != nil {
			return err
		}
		t.follow(ctx)
	}

	var lastSent string
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/analyze":
			if lastSent == "" {
				fmt.Fprintln(out, "! nothing to analyze yet")
				continue
			}
			msg, err := conv.Analyze(ctx, lastSent)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			fmt.Fprintf(out, "[analysis] %s\n", msg.Text)
			continue
		}

		if err := conv.SendAsync(line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		lastSent = line
		t.follow(ctx)
	}
}

// ask prints prompt until a non-blank line is read.
func ask(scanner *bufio.Scanner, out io.Writer, prompt string) (string, bool) {
	for {
		fmt.Fprintf(out, "%s\n> ", prompt)
		if !scanner.Scan() {
			return "", false
		}
		if answer := strings.TrimSpace(scanner.Text()); answer != "" {
			return answer, true
		}
	}
}

type terminal struct {
	events  <-chan chat.Event
	out     io.Writer
	printed map[string]int
	closed  map[string]bool
	open    string
}

// follow renders events until the idle event that ends the current turn.
func (t *terminal) follow(ctx context.Context) {
	defer t.closeLine()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-t.events:
			if !ok {
				return
			}
			if evt.Kind == chat.EventIdle {
				return
			}
			t.render(evt)
		}
	}
}

func (t *terminal) render(evt chat.Event) {
	if evt.Kind == chat.EventReset {
		for i := range evt.Messages {
			t.show(evt.Messages[i])
		}
		return
	}
	if evt.Message != nil {
		t.show(*evt.Message)
	}
}

// show prints the part of msg not yet on screen. Analyses are printed by the caller.
func (t *terminal) show(msg modelchat.Message) {
	if msg.IsAnalysis || msg.Sender == modelchat.SenderUser || t.closed[msg.ID] {
		return
	}

	if msg.Sender == modelchat.SenderSystem {
		t.closeLine()
		fmt.Fprintf(t.out, "* %s\n", msg.Text)
		t.closed[msg.ID] = true
		return
	}

	if t.open != msg.ID {
		t.closeLine()
		fmt.Fprint(t.out, "mirror: ")
		t.open = msg.ID
	}

	printed := t.printed[msg.ID]
	if len(msg.Text) > printed {
		fmt.Fprint(t.out, msg.Text[printed:])
		t.printed[msg.ID] = len(msg.Text)
	}
}

// closeLine ends the AI reply currently being printed.
func (t *terminal) closeLine() {
	if t.open == "" {
		return
	}
	fmt.Fprintln(t.out)
	t.closed[t.open] = true
	t.open = ""
}
