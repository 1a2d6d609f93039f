package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/block/lakemirror/pkg/dbconn"
	"github.com/block/lakemirror/pkg/dest"
	"github.com/block/lakemirror/pkg/lake"
	"github.com/block/lakemirror/pkg/load"
	"github.com/block/lakemirror/pkg/table"
	"github.com/sirupsen/logrus"
)

// LoadCmd mirrors one source table into one destination directory.
type LoadCmd struct {
	Source               string   `name:"source" help:"Source DSN (sqlserver:// URL or ADO connection string)." required:""`
	Table                string   `arg:"" help:"Table to mirror, as name, schema.name or database.schema.name."`
	Destination          string   `arg:"" help:"Destination directory."`
	LoadMode             string   `name:"load-mode" default:"auto" enum:"auto,overwrite,append,force_full,simple_delta,append_inserts" help:"Load mode."`
	DeltaColumn          string   `name:"delta-col" help:"Watermark column override."`
	PrimaryKeys          []string `name:"primary-keys" help:"Primary key override."`
	NoComplexEntriesLoad bool     `name:"no-complex-entries-load" help:"Always use the timestamp fallback instead of keyed re-fetch."`
	NormalizeNames       bool     `name:"normalize-names" help:"Normalize awkward characters in destination column names."`
}

func (c *LoadCmd) Run() error {
	logger := logrus.New()
	ref, err := table.ParseRef(c.Table)
	if err != nil {
		return err
	}
	dbConfig := dbconn.NewDBConfig()
	db, err := dbconn.New(c.Source, dbConfig)
	if err != nil {
		return err
	}
	defer db.Close()
	reader, err := lake.NewDBReader(db, dbConfig, logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	config := load.NewWriteConfig()
	config.LoadMode = load.LoadMode(c.LoadMode)
	config.DeltaColumn = c.DeltaColumn
	config.PrimaryKeys = c.PrimaryKeys
	config.NoComplexEntriesLoad = c.NoComplexEntriesLoad
	if c.NormalizeNames {
		config.GetTargetName = load.NormalizeTargetName
	}
	runner, err := load.NewRunner(config, reader, ref, dest.NewLocal(c.Destination))
	if err != nil {
		return err
	}
	runner.SetLogger(logger)
	return runner.Run(context.Background())
}

var cli struct {
	Load LoadCmd `cmd:"" help:"Mirror a table into a versioned lake destination."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
