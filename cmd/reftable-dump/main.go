/*
Copyright 2020 Google LLC

Use of this source code is governed by a BSD-style
license that can be found in the LICENSE file or at
https://developers.google.com/open-source/licenses/bsd
*/

// Command reftable-dump prints the contents of a single reftable file
// or a directory of them (oldest-to-newest by filename) as a merged
// view, for debugging on-disk state.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-reftable/reftable"
)

var (
	prefix string
	logs   bool
	table  bool
	runID  = uuid.New().String()
)

func main() {
	root := &cobra.Command{
		Use:   "reftable-dump <path>",
		Short: "Dump the refs and reflog entries stored in a reftable file or stack directory",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringVar(&prefix, "prefix", "", "only dump refs with this name prefix")
	root.Flags().BoolVar(&logs, "logs", true, "dump reflog entries")
	root.Flags().BoolVar(&table, "table", false, "treat the argument as a single reftable file rather than a stack directory")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() reftable.Logger {
	zl, err := zap.NewDevelopment()
	if err != nil {
		return reftable.NopLogger
	}
	return reftable.NewZapLogger(zl.With(zap.String("run_id", runID)))
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]
	log := newLogger()

	var tab reftable.Table
	var closers []func() error

	if table {
		f, err := reftable.NewFileBlockSource(path)
		if err != nil {
			return err
		}
		closers = append(closers, f.Close)

		r, err := reftable.NewReader(f, filepath.Base(path), reftable.Options{Logger: log})
		if err != nil {
			return err
		}
		closers = append(closers, r.Close)
		tab = r

		fmt.Println("** raw table data **")
		spew.Dump(r.Header(), r.Footer())
	} else {
		st, readers, err := openStack(path, log)
		if err != nil {
			return err
		}
		for _, r := range readers {
			closers = append(closers, r.Close)
		}
		tab = st.Merged()
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if err := dumpRefs(tab); err != nil {
		return err
	}
	if logs {
		if err := dumpLogs(tab); err != nil {
			return err
		}
	}
	return nil
}

// openStack reads every *.ref file under dir in filename order and
// layers a Stack over them. The reftable-writing ref-store this tool
// debugs is expected to name its tables so lexical order is also
// update_index order.
func openStack(dir string, log reftable.Logger) (*reftable.Stack, []*reftable.Reader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		return e.Name(), !e.IsDir() && strings.HasSuffix(e.Name(), ".ref")
	})
	sort.Strings(names)

	var readers []*reftable.Reader
	for _, name := range names {
		full := filepath.Join(dir, name)
		f, err := reftable.NewFileBlockSource(full)
		if err != nil {
			return nil, nil, err
		}
		r, err := reftable.NewReader(f, name, reftable.Options{Logger: log})
		if err != nil {
			return nil, nil, err
		}
		readers = append(readers, r)
	}

	st, err := reftable.NewStack(readers, false)
	if err != nil {
		return nil, nil, err
	}
	return st, readers, nil
}

func dumpRefs(tab reftable.Table) error {
	iter, err := tab.SeekRef(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	fmt.Println("** refs **")
	for {
		var rec reftable.RefRecord
		ok, err := iter.NextRef(&rec)
		if err != nil {
			return err
		}
		if !ok || !strings.HasPrefix(rec.RefName, prefix) {
			break
		}
		spew.Dump(rec)
	}
	return nil
}

func dumpLogs(tab reftable.Table) error {
	iter, err := tab.SeekLog(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	fmt.Println("** logs **")
	for {
		var rec reftable.LogRecord
		ok, err := iter.NextLog(&rec)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		spew.Dump(rec)
	}
	return nil
}
