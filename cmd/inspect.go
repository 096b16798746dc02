// Package cmd holds the subcommands of imap-backup.
package cmd

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-backup/layout"
	"github.com/dhcgn/imap-backup/mbox"
	"github.com/dhcgn/imap-backup/stats"
)

// TrackedHeaders are counted by inspect.
var TrackedHeaders = []string{"From", "To", "Subject"}

// Report counts header values over every message of a backup.
type Report struct {
	Messages int
	Skipped  int
	Counts   map[string]map[string]int
}

func newReport() *Report {
	r := &Report{Counts: make(map[string]map[string]int)}
	for _, h := range TrackedHeaders {
		r.Counts[h] = make(map[string]int)
	}
	return r
}

func (r *Report) add(h mail.Header) {
	r.Messages++
	for _, name := range TrackedHeaders {
		value := h.Get(name)
		if name == "Subject" {
			if decoded, err := h.Subject(); err == nil {
				value = decoded
			}
		}
		if value != "" {
			r.Counts[name][value]++
		}
	}
}

// NewInspectCommand returns the inspect subcommand.
func NewInspectCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "inspect [backup directory or mbox file]",
		Short: "Show statistics of a finished backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := Analyze(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Analyzed %d messages (%d unreadable)\n\n", report.Messages, report.Skipped)
			for _, header := range TrackedHeaders {
				fmt.Fprintf(cmd.OutOrStdout(), "Top %d %s:\n", topN, header)
				stats.PrettyPrintTop(cmd.OutOrStdout(), report.Counts[header], topN)
				fmt.Fprintln(cmd.OutOrStdout())
			}

			if reportDir == "" {
				return nil
			}
			if err := SaveCSVReports(report, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "report-dir", "o", "", "Output directory for CSV reports")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return cmd
}

// Analyze reads a directory backup (.eml files and .mbox files) or a single
// mbox file.
func Analyze(path string) (*Report, error) {
	report := newReport()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	if !info.IsDir() {
		return report, readMbox(report, path)
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case layout.Extension:
			return readEML(report, p)
		case ".mbox":
			return readMbox(report, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	return report, nil
}

func readMbox(report *Report, path string) error {
	total, err := mbox.CountMessages(path)
	if err != nil {
		return err
	}
	read := 0
	err = mbox.Read(path, func(m *mbox.Message) error {
		read++
		report.add(m.Header)
		return nil
	})
	report.Skipped += total - read
	return err
}

func readEML(report *Report, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		report.Skipped++
		return nil
	}
	var h mail.Header
	h.Header.Header = th
	report.add(h)
	return nil
}

// SaveCSVReports writes one report_<header>.csv per tracked header with at
// most limit rows.
func SaveCSVReports(report *Report, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range TrackedHeaders {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSV(filePath, stats.TopLines(report.Counts[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
