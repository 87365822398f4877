// cmd/chat-client/main.go
// Terminal chat client: a scrolling message pane above a one-line input box.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/chatserver/internal/client"
	"github.com/erilali/chatserver/internal/logger"
	"github.com/jroimartin/gocui"
)

const (
	messagesView = "messages"
	inputView    = "input"
	dialTimeout  = 5 * time.Second
)

type chatUI struct {
	gui    *gocui.Gui
	client *client.Client
	title  string
	log    *logger.Logger
}

func main() {
	host := flag.String("host", "localhost", "chat server host")
	port := flag.Int("port", 12345, "chat server port")
	user := flag.String("user", "", "username (prompted for when empty)")
	logFile := flag.String("log", "chat-client.log", "log file")
	flag.Parse()

	// The terminal belongs to the UI, so logs only go to the file.
	logCfg := logger.DefaultLogConfig()
	logCfg.LogToFile = true
	logCfg.LogToJSON = true
	logCfg.FilePath = *logFile
	logger.InitLoggerTo(io.Discard, logCfg)
	log := logger.NewLogger("chat-client")

	username := strings.TrimSpace(*user)
	if username == "" {
		var err error
		if username, err = promptUsername(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c, err := client.Dial(ctx, addr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to server: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	log.Infof("Connected to chat server at %s", addr)

	if err := c.Login(username); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}

	ui, err := newChatUI(c, fmt.Sprintf("%s @ %s", username, addr), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start UI: %v\n", err)
		os.Exit(1)
	}
	defer ui.Close()

	if err := ui.Run(); err != nil {
		log.Errorf("UI stopped: %v", err)
		os.Exit(1)
	}
}

func promptUsername(in io.Reader, out io.Writer) (string, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter your username: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name, nil
		}
		fmt.Fprintln(out, "Username cannot be empty!")
	}
}

func newChatUI(c *client.Client, title string, log *logger.Logger) (*chatUI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, err
	}
	ui := &chatUI{gui: g, client: c, title: title, log: log}
	g.Cursor = true
	g.SetManagerFunc(ui.layout)
	return ui, nil
}

func (ui *chatUI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if v, err := g.SetView(messagesView, 0, 0, maxX-1, maxY-4); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = ui.title
		v.Wrap = true
		v.Autoscroll = true
	}

	if v, err := g.SetView(inputView, 0, maxY-3, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = "Message (/help, /users, /private <user> <msg>, /quit)"
		v.Editable = true
		if _, err := g.SetCurrentView(inputView); err != nil {
			return err
		}
	}
	return nil
}

func (ui *chatUI) keybindings() error {
	if err := ui.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(_ *gocui.Gui, _ *gocui.View) error {
			return gocui.ErrQuit
		}); err != nil {
		return err
	}
	return ui.gui.SetKeybinding(inputView, gocui.KeyEnter, gocui.ModNone, ui.handleInput)
}

func (ui *chatUI) handleInput(_ *gocui.Gui, v *gocui.View) error {
	line := strings.TrimSpace(v.Buffer())
	v.Clear()
	v.SetCursor(0, 0)
	if line == "" {
		return nil
	}

	quit, err := ui.client.Submit(line)
	if err != nil {
		ui.log.Warnf("Send failed: %v", err)
		ui.println(fmt.Sprintf("Error sending message: %v", err))
		return nil
	}
	if quit {
		return gocui.ErrQuit
	}
	return nil
}

// receiveLoop feeds server messages into the message pane until the
// connection ends.
func (ui *chatUI) receiveLoop() {
	for {
		m, err := ui.client.Receive()
		if err != nil {
			ui.log.Infof("Receive loop stopped: %v", err)
			ui.println("Disconnected from server")
			return
		}
		ui.println(client.Format(m))
	}
}

func (ui *chatUI) println(line string) {
	ui.gui.Update(func(g *gocui.Gui) error {
		v, err := g.View(messagesView)
		if err != nil {
			return err
		}
		fmt.Fprintln(v, line)
		return nil
	})
}

func (ui *chatUI) Run() error {
	if err := ui.keybindings(); err != nil {
		return err
	}
	go ui.receiveLoop()

	if err := ui.gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return err
	}
	return nil
}

func (ui *chatUI) Close() {
	ui.gui.Close()
}
