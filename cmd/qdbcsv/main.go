// Main package in qdbcsv implements a command line tool for loading CSV
// files into the database over the line protocol.  Rows are fanned out
// over a pool of workers, one Sender per worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/m-lab/qdb-client/buffer"
	"github.com/m-lab/qdb-client/conf"
	"github.com/m-lab/qdb-client/sender"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	config     = flag.String("config", "", "Configuration string. Default is the value of "+conf.EnvVar+".")
	table      = flag.String("table", "", "Target table when no schema file is given.")
	schemaFile = flag.String("schema", "", "TOML file mapping CSV headers to symbols, typed columns and the designated timestamp.")
	workers    = flag.Int("workers", 4, "Number of parallel senders.")
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port.")

	ctx, cancel = context.WithCancel(context.Background())
)

// Schema describes how CSV headers map onto a row.  Headers that appear
// in no section are ignored.  Column kinds are float, int, bool, string
// and timestamp.
type Schema struct {
	Table         string            `toml:"table"`
	Symbols       []string          `toml:"symbols"`
	Columns       map[string]string `toml:"columns"`
	Timestamp     string            `toml:"timestamp"`
	TimestampUnit string            `toml:"timestamp_unit"`
}

// defaultSchema treats every header as a string column and lets the
// server assign timestamps.
func defaultSchema(table string, headers map[string]string) *Schema {
	columns := make(map[string]string, len(headers))
	for h := range headers {
		columns[h] = "string"
	}
	return &Schema{Table: table, Columns: columns, TimestampUnit: "ns"}
}

func loadSchema(path string) (*Schema, error) {
	var s Schema
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, err
	}
	if s.Table == "" {
		return nil, fmt.Errorf("schema %s does not name a table", path)
	}
	if s.TimestampUnit == "" {
		s.TimestampUnit = "ns"
	}
	return &s, nil
}

// writeRow appends one CSV record to the sender according to the schema.
func writeRow(s *sender.Sender, schema *Schema, unit buffer.Unit, record map[string]string) error {
	s.Table(schema.Table)
	for _, name := range schema.Symbols {
		s.Symbol(name, record[name])
	}
	for name, kind := range schema.Columns {
		value := record[name]
		switch kind {
		case "float":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			s.Float64Column(name, v)
		case "int":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			s.Int64Column(name, v)
		case "bool":
			v, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			s.BoolColumn(name, v)
		case "timestamp":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			s.TimestampColumn(name, v, unit)
		case "string":
			s.StringColumn(name, value)
		default:
			return fmt.Errorf("column %s: unknown kind %q", name, kind)
		}
	}
	if schema.Timestamp == "" {
		return s.AtNow(ctx)
	}
	ts, err := strconv.ParseInt(record[schema.Timestamp], 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp column %s: %w", schema.Timestamp, err)
	}
	return s.At(ctx, ts, unit)
}

// load runs one worker: a private sender over its own connection.
func load(opts *conf.Options, schema *Schema, unit buffer.Unit, records []map[string]string) error {
	s, err := sender.New(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	for _, record := range records {
		if err := writeRow(s, schema, unit, record); err != nil {
			return err
		}
	}
	if _, err := s.Flush(ctx); err != nil {
		return err
	}
	return nil
}

// promptPassword asks for the password on the terminal when the
// configuration names a user but carries no secret.  Skipped when stdin
// is the CSV stream.
func promptPassword(opts *conf.Options, stdinIsData bool) {
	if opts.Username == "" || opts.Password != "" || opts.Token != "" {
		return
	}
	if stdinIsData || !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", opts.Username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	rtx.Must(err, "Could not read password")
	opts.Password = string(pw)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	var opts *conf.Options
	var err error
	if *config != "" {
		opts, err = conf.Parse(*config)
	} else {
		opts, err = conf.FromEnv()
	}
	rtx.Must(err, "Could not resolve configuration")

	args := flag.Args()
	var source io.ReadCloser = os.Stdin
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		log.Fatal("Too many command-line arguments.")
	}
	defer source.Close()
	promptPassword(opts, source == os.Stdin)

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	records, err := gocsv.CSVToMaps(source)
	rtx.Must(err, "Could not read CSV")
	if len(records) == 0 {
		log.Println("No records in input.")
		return
	}

	var schema *Schema
	if *schemaFile != "" {
		schema, err = loadSchema(*schemaFile)
		rtx.Must(err, "Could not load schema")
	} else {
		if *table == "" {
			log.Fatal("Either -schema or -table is required.")
		}
		schema = defaultSchema(*table, records[0])
	}
	unit, err := buffer.ParseUnit(schema.TimestampUnit)
	rtx.Must(err, "Bad timestamp unit %q", schema.TimestampUnit)

	n := *workers
	if n < 1 {
		n = 1
	}
	if n > len(records) {
		n = len(records)
	}
	chunk := (len(records) + n - 1) / n
	var g errgroup.Group
	for i := 0; i < len(records); i += chunk {
		end := i + chunk
		if end > len(records) {
			end = len(records)
		}
		part := records[i:end]
		g.Go(func() error {
			return load(opts, schema, unit, part)
		})
	}
	rtx.Must(g.Wait(), "Load failed")
	log.Printf("Loaded %d records.", len(records))
}
