package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"resume-dl/internal/downloader"
	"resume-dl/internal/logger"
	"resume-dl/internal/store"
)

type getOptions struct {
	dir       string
	name      string
	length    int64
	clipboard bool
	plain     bool
}

func newGetCmd(a *app) *cobra.Command {
	var opts getOptions

	cmd := &cobra.Command{
		Use:   "get [url]",
		Short: "Download a URL, resuming across pauses and network failures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawurl, err := sourceURL(args, opts.clipboard, clipboard.ReadAll)
			if err != nil {
				return err
			}
			return a.get(cmd, rawurl, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "destination directory (default download.dir)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "destination file name (default from server)")
	cmd.Flags().Int64VarP(&opts.length, "length", "l", 0, "expected size in bytes (default from server)")
	cmd.Flags().BoolVar(&opts.clipboard, "clipboard", false, "read the URL from the clipboard")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print events as lines instead of the interactive view")
	return cmd
}

// sourceURL picks the URL from args or, with fromClipboard, from read.
func sourceURL(args []string, fromClipboard bool, read func() (string, error)) (string, error) {
	var raw string
	switch {
	case len(args) == 1:
		raw = args[0]
	case fromClipboard:
		text, err := read()
		if err != nil {
			return "", fmt.Errorf("read clipboard: %w", err)
		}
		raw = strings.TrimSpace(text)
	default:
		return "", fmt.Errorf("a URL argument or --clipboard is required")
	}
	return raw, validateURL(raw)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid URL %q: only http and https are supported", raw)
	}
	return nil
}

func (a *app) get(cmd *cobra.Command, rawurl string, opts getOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Named("cli")

	name, length := opts.name, opts.length
	if name == "" || length == 0 {
		client := downloader.NewClient(a.cfg.Network.Transport())
		info, err := downloader.Inspect(ctx, client, rawurl)
		if err != nil {
			log.Warnw("metadata request failed", "url", rawurl, "error", err)
			if name == "" {
				name = "download.bin"
			}
		} else {
			if name == "" {
				name = info.Filename
			}
			if length == 0 {
				length = info.Size
			}
			if !info.AcceptsRanges {
				log.Infow("server does not advertise range support", "url", rawurl)
			}
		}
	}

	dc := a.cfg.ToDownloaderConfig(rawurl, name, opts.dir, length)

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := existingEntry(ctx, st, rawurl, dc.Path())
	if err != nil {
		return err
	}
	if entry != nil {
		dc.ResumeExisting = true
		if entry.TotalSize == 0 && length > 0 {
			entry.TotalSize = length
			if err := st.Save(ctx, entry); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s resuming %s -> %s\n", entry.ShortID(), rawurl, entry.DestPath)
	} else {
		entry = store.NewEntry(rawurl, name, dc.Path(), length)
		if err := st.Save(ctx, entry); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", entry.ShortID(), rawurl, entry.DestPath)
	}

	return runTask(ctx, cmd.OutOrStdout(), st, entry, dc, opts.plain)
}

// existingEntry returns the unfinished entry for rawurl writing to dest, or
// nil when dest is free. An unfinished entry for another URL is an error.
func existingEntry(ctx context.Context, st *store.Store, rawurl, dest string) (*store.Entry, error) {
	entry, err := st.FindByDest(ctx, dest)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !entry.Status.IsActive() {
		return nil, nil
	}
	if entry.URL != rawurl {
		return nil, fmt.Errorf("%s is used by unfinished download %s (%s); continue it with: resume-dl resume %s, or remove it with: resume-dl rm %s",
			dest, entry.ShortID(), entry.URL, entry.ShortID(), entry.ShortID())
	}
	return entry, nil
}
