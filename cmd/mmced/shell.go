package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell on the card",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStack(cfg, true)
		if err != nil {
			return err
		}
		defer st.Close()

		s := &session{fs: st.drv.FS, unit: unitFlag}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return s.script(os.Stdin, cmd.OutOrStdout())
		}
		return s.interactive(cmd.OutOrStdout())
	},
}

func historyFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, ".mmced_history")
}

// shellLine handles the shell-only verbs. It returns false if line is
// meant for the session.
func (s *session) shellLine(w io.Writer, args []string) (bool, error) {
	switch args[0] {
	case "help":
		for _, name := range verbNames() {
			fmt.Fprintf(w, "  %-8s %-18s %s\n", name, verbs[name].usage, verbs[name].short)
		}
		fmt.Fprintf(w, "  %-8s %-18s %s\n", "unit", "[n]", "Show or change the unit")
		return true, nil
	case "unit":
		if len(args) > 1 {
			u, err := strconv.Atoi(args[1])
			if err != nil {
				return true, err
			}
			s.unit = u
		}
		fmt.Fprintf(w, "unit %d\n", s.unit)
		return true, nil
	}
	return false, nil
}

func (s *session) line(w io.Writer, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	if ok, err := s.shellLine(w, args); ok {
		return err
	}
	return s.exec(w, args)
}

// script runs commands read from r, stopping at the first failure
func (s *session) script(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.line(w, line); err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
	}
	return sc.Err()
}

func (s *session) interactive(w io.Writer) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) (c []string) {
		for _, name := range append(verbNames(), "help", "unit", "exit") {
			if strings.HasPrefix(name, line) {
				c = append(c, name)
			}
		}
		return
	})

	hist := historyFile()
	if f, err := os.Open(hist); err == nil {
		ln.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if hist == "" {
			return
		}
		if f, err := os.Create(hist); err == nil {
			ln.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		line, err := ln.Prompt(fmt.Sprintf("mmce%d> ", s.unit))
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(w)
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.line(w, line); err != nil {
			log.Error(err)
		}
	}
}
