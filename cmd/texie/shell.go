package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/spf13/pflag"

	"github.com/texie/texie/protocol"
	"github.com/texie/texie/session"
	"github.com/texie/texie/utils"
)

// Shell is the interactive protocol shell.
type Shell struct {
	sess *session.Session
	rl   *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("read"),
	readline.PcItem("write"),
	readline.PcItem("time"),
	readline.PcItem("ftime"),
	readline.PcItem("state"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func runShell(args []string) error {
	flags := pflag.NewFlagSet("shell", pflag.ExitOnError)
	connect := flags.StringSlice("connect", []string{"127.0.0.1:8023"}, "endpoints to connect to")
	account := flags.String("account", "", "account to authenticate as")
	secret := flags.String("secret", "", "account secret")
	if err := flags.Parse(args); err != nil {
		return err
	}

	log := utils.NewDefaultLogger(slog.LevelWarn)
	opts := []session.SessionOpt{
		&session.WithLogger{Log: log},
		&session.WithReadTimeout{Timeout: 5 * time.Second},
		&session.WithWriteRetries{Retries: 10},
	}
	if *account != "" {
		opts = append(opts, &session.WithAuth{Account: *account, Secret: *secret})
	}
	sess := session.NewSession(*connect, opts...)
	if err := sess.Run(); err != nil {
		return err
	}
	defer sess.Close()

	shell := &Shell{sess: sess}
	if err := shell.Open(); err != nil {
		return err
	}
	defer shell.Close()

	fmt.Printf("connecting to %s ...\n", strings.Join(*connect, ", "))
	for {
		err := shell.Step()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			fmt.Println("error:", err.Error())
		}
	}
}

func (sh *Shell) Open() (err error) {
	sh.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".texie_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	sh.rl.CaptureExitSignal()
	return
}

func (sh *Shell) Close() error {
	if sh.rl != nil {
		_ = sh.rl.Close()
		sh.rl = nil
	}
	return nil
}

// Step reads and executes one shell command. io.EOF means exit.
func (sh *Shell) Step() error {
	line, err := sh.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
		return nil
	}
	if err != nil {
		return io.EOF
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "read":
		return sh.commandRead(rest)
	case "write":
		return sh.commandWrite(rest)
	case "time":
		return sh.commandRead("TIME")
	case "ftime":
		return sh.commandRead("FTIME")
	case "state":
		fmt.Println(sh.sess.State().String())
		return nil
	case "help":
		fmt.Println("commands: read <stream> | write <stream> <T><value> | time | ftime | state | exit")
		return nil
	case "exit", "quit":
		return io.EOF
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (sh *Shell) commandRead(stream string) error {
	if stream == "" {
		return errors.New("usage: read <stream>")
	}
	value, ok, err := sh.sess.Read(stream)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("(no value)")
		return nil
	}
	fmt.Println(value.String())
	return nil
}

// commandWrite takes the value in wire form: a kind tag followed by
// the literal, e.g. "write cabin/temp F21.5".
func (sh *Shell) commandWrite(rest string) error {
	stream, raw, ok := strings.Cut(rest, " ")
	if !ok || stream == "" || raw == "" {
		return errors.New("usage: write <stream> <T><value>")
	}
	value, err := protocol.ParseValue(protocol.Kind(raw[0]), raw[1:])
	if err != nil {
		return err
	}
	if err := sh.sess.Write(stream, value); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}
