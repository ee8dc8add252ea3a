// Command chatcli is a terminal client for the chat relay.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spachat/internal/app/people"
	"spachat/internal/pkg/logx"
)

func main() {
	var (
		addr    string
		name    string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "chatcli",
		Short: "Chat with people connected to a relay",
		Long: `chatcli connects to a chat relay, signs in under a display name and
prints presence changes and incoming messages.

Commands:
  @name text   send text to the person called name
  /who         list people online
  /leave       sign out but stay connected
  /join        sign back in
  /quit        exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logx.InitGlobalLogger(verbose)
			return run(cmd.Context(), addr, name, os.Stdin, cmd.OutOrStdout())
		},
	}

	rootCmd.Flags().StringVarP(&addr, "addr", "a", "ws://localhost:8080/ws", "relay websocket URL")
	rootCmd.Flags().StringVarP(&name, "name", "n", "", "display name to sign in with")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkFlagRequired("name")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, name string, in io.Reader, out io.Writer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	socket, err := people.Dial(dialCtx, addr, nil)
	cancel()
	if err != nil {
		return err
	}
	defer socket.Close()

	model := people.New(socket)
	if err := model.Login(name); err != nil {
		return err
	}
	model.Join()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			model.Logout()
			return nil

		case <-socket.Done():
			if err := socket.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			fmt.Fprintln(out, "* connection closed")
			return nil

		case n := <-model.Notifications():
			printNotice(out, model, n)

		case line, ok := <-lines:
			if !ok {
				model.Logout()
				return nil
			}
			if quit := execute(model, parseLine(line), out); quit {
				model.Logout()
				return nil
			}
		}
	}
}

func execute(model *people.Model, c command, out io.Writer) (quit bool) {
	switch c.kind {
	case cmdNone:
	case cmdQuit:
		return true
	case cmdWho:
		printRoster(out, model.People())
	case cmdLeave:
		if err := model.Leave(); err != nil {
			fmt.Fprintf(out, "! %s\n", err)
		}
	case cmdJoin:
		if !model.Join() {
			fmt.Fprintln(out, "! already joined")
		}
	case cmdSend:
		person, ok := findByName(model.People(), c.target)
		if !ok {
			fmt.Fprintf(out, "! nobody called %q is online\n", c.target)
			return false
		}
		if err := model.SendMessage(person.ID, c.text); err != nil {
			fmt.Fprintf(out, "! %s\n", err)
		}
	case cmdInvalid:
		fmt.Fprintf(out, "! %s\n", c.text)
	}
	return false
}

func printNotice(out io.Writer, model *people.Model, n people.Notice) {
	switch n.Kind {
	case people.NoticeLogin:
		fmt.Fprintf(out, "* signed in as %s (%s)\n", n.Person.Name, n.Person.ID)
	case people.NoticeLogout:
		fmt.Fprintf(out, "* signed out %s\n", n.Person.Name)
	case people.NoticeRosterChanged:
		printRoster(out, n.Roster)
	case people.NoticeMessage:
		fmt.Fprintf(out, "[%s] %s\n", senderLabel(model, n), n.Message.MsgText)
	case people.NoticeError:
		fmt.Fprintf(out, "! relay error %d: %s\n", n.Err.Code, n.Err.Message)
	}
}

// senderLabel names the author of a message. Offline notices come back addressed from
// the local user with no destination.
func senderLabel(model *people.Model, n people.Notice) string {
	if n.Message.DestID == "" {
		return "relay"
	}
	if p, ok := model.ByCID(n.Message.SenderID); ok {
		return p.Name
	}
	return n.Message.SenderID
}

func printRoster(out io.Writer, roster []people.Person) {
	names := make([]string, 0, len(roster))
	for _, p := range roster {
		names = append(names, p.Name)
	}
	fmt.Fprintf(out, "* online (%d): %s\n", len(names), strings.Join(names, ", "))
}

func findByName(roster []people.Person, name string) (people.Person, bool) {
	for _, p := range roster {
		if strings.EqualFold(p.Name, name) && p.ID != "" {
			return p, true
		}
	}
	return people.Person{}, false
}
