package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/speters/mmced/pkg/mmce"
)

// session runs the file and device verbs shared by the one-shot commands
// and the shell
type session struct {
	fs   *mmce.FS
	unit int
}

type verb struct {
	usage string
	short string
	args  int
	run   func(s *session, w io.Writer, args []string) error
}

var verbs = map[string]verb{
	"ping":   {"", "Show the identity of the card", 0, (*session).ping},
	"status": {"", "Show the card status word", 0, (*session).status},
	"ls":     {"[path]", "List a directory", 0, (*session).ls},
	"cat":    {"path", "Print a file", 1, (*session).cat},
	"put":    {"local remote", "Copy a local file to the card", 2, (*session).put},
	"get":    {"remote local", "Copy a file from the card", 2, (*session).get},
	"stat":   {"path", "Show file status", 1, (*session).stat},
	"rm":     {"path", "Remove a file", 1, (*session).rm},
	"mkdir":  {"path", "Create a directory", 1, (*session).mkdir},
	"rmdir":  {"path", "Remove a directory", 1, (*session).rmdir},
	"gameid": {"[id]", "Show or set the game ID", 0, (*session).gameid},
	"card":   {"[num|next|prev]", "Show or select the virtual card", 0, (*session).card},
	"chan":   {"[num|next|prev]", "Show or select the card channel", 0, (*session).channel},
	"reset":  {"", "Reset the card", 0, (*session).reset},
}

func verbNames() []string {
	names := make([]string, 0, len(verbs))
	for name := range verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// exec runs one verb line
func (s *session) exec(w io.Writer, args []string) error {
	if len(args) == 0 {
		return nil
	}
	v, ok := verbs[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < v.args {
		return fmt.Errorf("usage: %s %s", args[0], v.usage)
	}
	return v.run(s, w, args[1:])
}

func (s *session) device(fn func(d *mmce.Device) error) error {
	return s.fs.WithUnit(s.unit, fn)
}

func printJSON(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	return e.Encode(v)
}

func (s *session) ping(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error {
		id, err := d.Ping()
		if err == nil {
			fmt.Fprintf(w, "%s rev %d, protocol %d\n", id.ProductName(), id.Revision, id.Protocol)
		}
		return err
	})
}

func (s *session) status(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error {
		st, err := d.Status()
		if err == nil {
			fmt.Fprintf(w, "%#04x\n", st)
		}
		return err
	})
}

func (s *session) ls(w io.Writer, args []string) error {
	name := "/"
	if len(args) > 0 {
		name = args[0]
	}
	d, err := s.fs.Dopen(s.unit, name)
	if err != nil {
		return err
	}
	entries, err := d.ReadAll()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%v\t%d\t%s\t%s\n", e.FileMode(), e.Size, e.Mtime.Format("2006-01-02 15:04"), e.Name)
	}
	return tw.Flush()
}

func (s *session) cat(w io.Writer, args []string) error {
	f, err := s.fs.Open(s.unit, args[0], mmce.ORdOnly)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *session) put(w io.Writer, args []string) error {
	src, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := s.fs.Open(s.unit, args[1], mmce.OWrOnly|mmce.OCreat|mmce.OTrunc)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		fmt.Fprintf(w, "%d bytes written\n", n)
	}
	return err
}

func (s *session) get(w io.Writer, args []string) error {
	f, err := s.fs.Open(s.unit, args[0], mmce.ORdOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	dst, err := os.Create(args[1])
	if err != nil {
		return err
	}
	n, err := io.Copy(dst, f)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		fmt.Fprintf(w, "%d bytes read\n", n)
	}
	return err
}

func (s *session) stat(w io.Writer, args []string) error {
	st, err := s.fs.Stat(s.unit, args[0])
	if err != nil {
		return err
	}
	return printJSON(w, st)
}

func (s *session) rm(w io.Writer, args []string) error {
	return s.fs.Remove(s.unit, args[0])
}

func (s *session) mkdir(w io.Writer, args []string) error {
	return s.fs.Mkdir(s.unit, args[0])
}

func (s *session) rmdir(w io.Writer, args []string) error {
	return s.fs.Rmdir(s.unit, args[0])
}

func (s *session) gameid(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error {
		if len(args) > 0 {
			return d.SetGameID(args[0])
		}
		id, err := d.GameID()
		if err == nil {
			fmt.Fprintln(w, id)
		}
		return err
	})
}

// selection parses num, next or prev
func selection(arg string) (mmce.SelectMode, uint16, error) {
	switch strings.ToLower(arg) {
	case "next":
		return mmce.SelectNext, 0, nil
	case "prev":
		return mmce.SelectPrev, 0, nil
	}
	n, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("bad selection %q", arg)
	}
	return mmce.SelectNum, uint16(n), nil
}

func (s *session) card(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error {
		if len(args) > 0 {
			mode, num, err := selection(args[0])
			if err != nil {
				return err
			}
			return d.SetCard(mmce.CardRegular, mode, num)
		}
		num, err := d.Card()
		if err == nil {
			fmt.Fprintln(w, num)
		}
		return err
	})
}

func (s *session) channel(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error {
		if len(args) > 0 {
			mode, num, err := selection(args[0])
			if err != nil {
				return err
			}
			return d.SetChannel(mode, num)
		}
		ch, err := d.Channel()
		if err == nil {
			fmt.Fprintln(w, ch)
		}
		return err
	})
}

func (s *session) reset(w io.Writer, args []string) error {
	return s.device(func(d *mmce.Device) error { return d.Reset() })
}
