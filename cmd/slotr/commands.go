package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/slotr/internal/auth"
	"github.com/loykin/slotr/pkg/client"
	"github.com/loykin/slotr/pkg/template"
)

// command implements the client-side subcommands against a running daemon.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) client() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Username: c.flags.Username,
		Password: c.flags.Password,
	})
}

func ctxOr(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (c command) Start(ctx context.Context, f StartFlags) error {
	if f.Cmd == "" && len(f.Args) == 0 {
		return errors.New("either --cmd or arguments after -- are required")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Start(ctxOr(ctx), f.Slot, client.StartRequest{Command: f.Cmd, Args: f.Args, WorkDir: f.WorkDir, Env: f.Env})
	if err != nil {
		return err
	}
	c.printJSON(res)
	return nil
}

func (c command) Stop(ctx context.Context, slot string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctxOr(ctx), slot)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: %s\n", res.Status, res.Message)
	return nil
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if f.Slot != "" {
		st, err := cl.Status(ctxOr(ctx), f.Slot, f.Detailed)
		if err != nil {
			return err
		}
		c.printJSON(st)
		return nil
	}
	all, err := cl.StatusAll(ctxOr(ctx), f.Match)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		st := all[n]
		state := "idle"
		if st.Running {
			state = "running"
		}
		_, _ = fmt.Fprintf(c.out, "%-12s %-8s %s\n", n, state, st.Command)
	}
	return nil
}

// Tail prints the last lines once, or with Follow keeps printing new lines
// until the slot is no longer running.
func (c command) Tail(ctx context.Context, f TailFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx = ctxOr(ctx)
	var prev []string
	for {
		t, err := cl.Tail(ctx, f.Slot, f.Lines)
		if err != nil {
			return err
		}
		for _, l := range newLines(prev, t.Lines) {
			_, _ = fmt.Fprintln(c.out, l)
		}
		prev = t.Lines
		if !f.Follow || !t.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Interval):
		}
	}
}

// newLines returns the suffix of cur that was not in prev, matching the
// longest overlap between the end of prev and the start of cur.
func newLines(prev, cur []string) []string {
	for k := min(len(prev), len(cur)); k > 0; k-- {
		if equal(prev[len(prev)-k:], cur[:k]) {
			return cur[k:]
		}
	}
	return cur
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c command) Log(ctx context.Context, f LogFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err := cl.DownloadLog(ctxOr(ctx), f.Slot, c.out)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(filepath.Clean(f.Output)), ".slotr-log-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	name, err := cl.DownloadLog(ctxOr(ctx), f.Slot, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	dst := f.Output
	if fi, serr := os.Stat(dst); serr == nil && fi.IsDir() {
		if name == "" {
			name = f.Slot + ".log"
		}
		dst = filepath.Join(dst, name)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "saved %s\n", dst)
	return nil
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

// HashPassword reads the first line of in and prints its bcrypt hash.
func (c command) HashPassword(in io.Reader, f HashPasswordFlags) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"), f.Cost)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

// Init writes a starter config to f.Output or c.out.
func (c command) Init(f InitFlags) error {
	g := template.NewGenerator()
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(f.Format) {
	case "", "toml":
		b, err = g.GenerateTOML(template.TemplateType(f.Template))
	case "json":
		b, err = g.GenerateJSON(template.TemplateType(f.Template))
	default:
		return fmt.Errorf("unsupported format %q (toml, json)", f.Format)
	}
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.out.Write(b)
		return err
	}
	if !f.Force {
		if _, err := os.Stat(f.Output); err == nil {
			return fmt.Errorf("%s already exists (use --force)", f.Output)
		}
	}
	if err := os.WriteFile(f.Output, b, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", f.Output)
	return nil
}
