package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/wolfeidau/policy-cache/backend"
	"github.com/wolfeidau/policy-cache/compress"
)

// ReportsCmd lists the report batches a sidecar archived.
type ReportsCmd struct {
	ArchiveDir string `help:"Report archive directory." type:"existingdir" required:"" env:"POLICY_CACHE_ARCHIVE_DIR"`
	Bags       bool   `help:"Print every reported attribute bag."`
}

func (c *ReportsCmd) Run(g *globals) error {
	fs, err := backend.NewFilesystem(c.ArchiveDir)
	if err != nil {
		return err
	}
	records, err := backend.ReadReports(context.Background(), fs)
	if err != nil {
		return err
	}
	g.Logger.Debug("read report archive", "dir", fs.Root(), "records", len(records))
	return printRecords(os.Stdout, records, c.Bags)
}

func printRecords(out io.Writer, records []backend.Record, bags bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tRECEIVED\tENTRIES\tENCODING\tSIZE")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n",
			rec.Key, rec.Header.ReceivedAt,
			rec.Header.Entries, rec.Header.Encoding, rec.Header.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !bags {
		return nil
	}

	for _, rec := range records {
		decoded, err := compress.DecompressReport(rec.Request)
		if err != nil {
			return fmt.Errorf("%s: %w", rec.Key, err)
		}
		fmt.Fprintf(out, "\n%s\n", rec.Key)
		for i, bag := range decoded {
			fmt.Fprintf(out, "  [%d] %s\n", i, bag)
		}
	}
	return nil
}
