package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"pucs/adif"
	"pucs/config"
	"pucs/qrz"
	"pucs/queuestore"
	"pucs/reconcile"
	"pucs/strutil"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "PUCS_CONFIG_PATH"
	dayLayout         = "2006-01-02"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(stdout, stderr io.Writer) *cli.App {
	app := &cli.App{
		Name:      "qrzcheck",
		Usage:     "Inspect the QRZ logbook and the pile-up queue",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{envConfigPath}, Usage: "Configuration directory"},
			&cli.StringFlag{Name: "db", Usage: "Queue database path (overrides store.path)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Log fetch and store activity to stderr"},
		},
		Commands: []*cli.Command{
			fetchCmd(),
			parseCmd(),
			credentialsCmd(),
			queueCmd(),
			runCmd(),
		},
	}
	// Errors are returned to main instead of exiting inside the library.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// fetchCmd downloads the logbook the way a cycle does and summarizes it.
func fetchCmd() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Fetch the logbook and show today's contacts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "callsign", Usage: "Logbook callsign (defaults to the stored credentials)"},
			&cli.StringFlag{Name: "key", Usage: "API key (defaults to the stored credentials)"},
			&cli.StringFlag{Name: "date", Usage: "Treat this day (YYYY-MM-DD) as today"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Write the combined ADIF text to this file"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			creds, err := resolveCredentials(c, cfg)
			if err != nil {
				return err
			}
			client := qrz.New(cfg.QRZ, cliLogger(c))
			today, err := dayFlag(c, client.Today())
			if err != nil {
				return err
			}
			res, fetchErr := client.FetchOn(c.Context, qrz.Credentials{Callsign: creds.Callsign, APIKey: creds.APIKey}, today)
			out := c.App.Writer
			printVariants(out, res)
			if fetchErr != nil {
				return cli.Exit(fetchErr.Error(), 1)
			}
			if path := strings.TrimSpace(c.String("out")); path != "" {
				if err := os.WriteFile(path, []byte(res.Text), 0o644); err != nil {
					return cli.Exit(fmt.Sprintf("write %s: %v", path, err), 1)
				}
				fmt.Fprintf(out, "Wrote %s to %s\n", humanize.Bytes(uint64(len(res.Text))), path)
			}
			recs, stats := adif.ParseWithStats(res.Text)
			printRecords(out, recs, stats, today)
			return nil
		},
	}
}

// parseCmd runs the parser on a saved payload.
func parseCmd() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Parse a saved payload (raw reply or ADIF; '-' reads stdin)",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "Day (YYYY-MM-DD) to list contacts for; defaults to today"},
			&cli.BoolFlag{Name: "groups", Usage: "List callsigns per QSO date"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("parse needs exactly one FILE argument", 2)
			}
			data, err := readInput(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			today, err := dayFlag(c, time.Now().In(cfg.QRZ.TimeLocation()))
			if err != nil {
				return err
			}
			text := data
			if resp, ok := adif.ExtractPayload(data); ok && resp.Payload != "" {
				text = resp.Payload
			}
			recs, stats := adif.ParseWithStats(text)
			out := c.App.Writer
			printRecords(out, recs, stats, today)
			if c.Bool("groups") {
				for _, g := range adif.GroupByDate(recs) {
					date := g.Date
					if date == "" {
						date = "undated"
					}
					fmt.Fprintf(out, "%s: %s\n", date, strings.Join(g.Calls, ", "))
				}
			}
			return nil
		},
	}
}

// credentialsCmd shows or replaces the stored logbook credentials.
func credentialsCmd() *cli.Command {
	return &cli.Command{
		Name:    "credentials",
		Aliases: []string{"creds"},
		Usage:   "Show or set the stored logbook credentials",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the active credentials (key masked)",
				Action: func(c *cli.Context) error {
					return withStore(c, func(store *queuestore.Store, _ *config.Config) error {
						sess, err := store.Acquire(c.Context)
						if err != nil {
							return err
						}
						defer sess.Close()
						creds, err := sess.FetchConfig(c.Context)
						if errors.Is(err, queuestore.ErrNoFetchConfig) {
							fmt.Fprintln(c.App.Writer, "No credentials configured")
							return nil
						}
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "Callsign: %s\nAPI key:  %s\nUpdated:  %s (%s)\n",
							creds.Callsign, strutil.MaskSecret(creds.APIKey),
							creds.UpdatedAt.Format(time.RFC3339), humanize.Time(creds.UpdatedAt))
						return nil
					})
				},
			},
			{
				Name:  "set",
				Usage: "Store new credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "callsign", Required: true, Usage: "Logbook callsign"},
					&cli.StringFlag{Name: "key", Required: true, Usage: "API key"},
				},
				Action: func(c *cli.Context) error {
					return withStore(c, func(store *queuestore.Store, _ *config.Config) error {
						sess, err := store.Acquire(c.Context)
						if err != nil {
							return err
						}
						defer sess.Close()
						if err := sess.SaveFetchConfig(c.Context, c.String("callsign"), c.String("key"), time.Now()); err != nil {
							return cli.Exit(err.Error(), 1)
						}
						fmt.Fprintf(c.App.Writer, "Saved credentials for %s (key %s)\n",
							strutil.NormalizeCallsign(c.String("callsign")), strutil.MaskSecret(c.String("key")))
						return nil
					})
				},
			},
		},
	}
}

// queueCmd lists and seeds the pile-up queue.
func queueCmd() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "List or add queue entries",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queue entries oldest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "date", Usage: "Only entries entered on this day (YYYY-MM-DD)"},
				},
				Action: func(c *cli.Context) error {
					return withStore(c, func(store *queuestore.Store, cfg *config.Config) error {
						sess, err := store.Acquire(c.Context)
						if err != nil {
							return err
						}
						defer sess.Close()
						var entries []queuestore.Entry
						if c.String("date") != "" {
							day, err := dayFlag(c, time.Time{})
							if err != nil {
								return err
							}
							entries, err = sess.ListEntriesForDate(c.Context, day)
							if err != nil {
								return err
							}
						} else if entries, err = sess.ListEntries(c.Context); err != nil {
							return err
						}
						queuestore.SortByEnteredAt(entries)
						printEntries(c.App.Writer, entries, cfg.QRZ.TimeLocation())
						return nil
					})
				},
			},
			{
				Name:      "add",
				Usage:     "Queue a callsign in the lowest free slot",
				ArgsUsage: "CALLSIGN",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "location", Usage: "Location note"},
					&cli.StringFlag{Name: "comment", Usage: "Comment"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("queue add needs exactly one CALLSIGN argument", 2)
					}
					return withStore(c, func(store *queuestore.Store, _ *config.Config) error {
						sess, err := store.Acquire(c.Context)
						if err != nil {
							return err
						}
						defer sess.Close()
						entry, err := sess.InsertEntry(c.Context, queuestore.Entry{
							Callsign: c.Args().First(),
							Location: c.String("location"),
							Comment:  c.String("comment"),
						})
						if err != nil {
							return cli.Exit(err.Error(), 1)
						}
						fmt.Fprintf(c.App.Writer, "Queued %s at position %d (id %d)\n", entry.Callsign, entry.Position, entry.ID)
						return nil
					})
				},
			},
		},
	}
}

// runCmd executes one reconciliation cycle against the live queue.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one reconciliation cycle now",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(reconcile.FullDay), Usage: "Cycle mode: full_day|continuous"},
		},
		Action: func(c *cli.Context) error {
			mode := reconcile.Mode(strings.TrimSpace(c.String("mode")))
			if mode != reconcile.FullDay && mode != reconcile.Continuous {
				return cli.Exit(fmt.Sprintf("unknown mode %q (want full_day or continuous)", mode), 2)
			}
			return withStore(c, func(store *queuestore.Store, cfg *config.Config) error {
				logger := cliLogger(c)
				r := reconcile.New(mode, reconcile.Deps{
					Store:    reconcile.FromStore(store),
					Fetcher:  qrz.New(cfg.QRZ, logger),
					Logger:   logger,
					Location: cfg.QRZ.TimeLocation(),
				})
				rep := r.Cycle(c.Context)
				printReport(c.App.Writer, rep)
				if rep.Outcome == reconcile.OutcomePanic || rep.Outcome == reconcile.OutcomeDatastoreError {
					return cli.Exit(fmt.Sprintf("cycle failed: %v", rep.Err), 1)
				}
				return nil
			})
		},
	}
}

// loadConfig resolves the configuration the same way the engine does.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if dir := strings.TrimSpace(c.String("config")); dir != "" {
		cfg, err = config.Load(dir)
	} else {
		cfg, err = config.Load(defaultConfigPath)
		if os.IsNotExist(err) {
			cfg, err = config.Defaults()
		}
	}
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("load config: %v", err), 1)
	}
	if db := strings.TrimSpace(c.String("db")); db != "" {
		cfg.Store.Path = db
	}
	return cfg, nil
}

func withStore(c *cli.Context, fn func(*queuestore.Store, *config.Config) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := queuestore.Open(cfg.Store.Path, queuestore.Options{BusyTimeout: cfg.Store.BusyTimeout()})
	if err != nil {
		return cli.Exit(fmt.Sprintf("open queue DB: %v", err), 1)
	}
	defer store.Close()
	return fn(store, cfg)
}

func resolveCredentials(c *cli.Context, cfg *config.Config) (queuestore.FetchConfig, error) {
	creds := queuestore.FetchConfig{
		Callsign: strutil.NormalizeCallsign(c.String("callsign")),
		APIKey:   strings.TrimSpace(c.String("key")),
	}
	if creds.APIKey != "" {
		return creds, nil
	}
	err := withStore(c, func(store *queuestore.Store, _ *config.Config) error {
		sess, err := store.Acquire(c.Context)
		if err != nil {
			return err
		}
		defer sess.Close()
		stored, err := sess.FetchConfig(c.Context)
		if err != nil {
			return err
		}
		if creds.Callsign == "" {
			creds.Callsign = stored.Callsign
		}
		creds.APIKey = stored.APIKey
		return nil
	})
	if errors.Is(err, queuestore.ErrNoFetchConfig) {
		return creds, cli.Exit("no credentials stored; pass --key or run 'qrzcheck credentials set'", 1)
	}
	return creds, err
}

func dayFlag(c *cli.Context, fallback time.Time) (time.Time, error) {
	raw := strings.TrimSpace(c.String("date"))
	if raw == "" {
		return fallback, nil
	}
	day, err := time.ParseInLocation(dayLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, cli.Exit(fmt.Sprintf("invalid --date %q (want YYYY-MM-DD)", raw), 2)
	}
	return day, nil
}

func cliLogger(c *cli.Context) *log.Logger {
	if !c.Bool("verbose") {
		return nil
	}
	return log.New(c.App.ErrWriter, "", log.Ltime)
}

func readInput(arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(arg)
	return string(data), err
}

func printVariants(w io.Writer, res qrz.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tSTATUS\tHTTP\tSIZE\tRECORDS\tTIME")
	for _, v := range res.Variants {
		status := v.Status
		if v.Err != nil {
			status += " (" + v.Err.Error() + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n", v.Name, status, v.HTTPCode,
			humanize.Bytes(uint64(v.Bytes)), v.Records, v.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "Usable: %d, failed: %d, duplicate: %d, combined %s in %s\n",
		res.Succeeded, res.Failed, res.Duplicates, humanize.Bytes(uint64(len(res.Text))), res.Elapsed.Round(time.Millisecond))
	if res.Demo != adif.DemoNone {
		fmt.Fprintf(w, "WARNING: payload contains demo callsign %s (%s)\n", adif.DemoCallsign, res.Demo)
	}
}

func printRecords(w io.Writer, recs []adif.Record, stats adif.ParseStats, today time.Time) {
	fmt.Fprintf(w, "Records: %s (fragments %d, missing call %d, malformed fields %d, length mismatches %d, markup values %d)\n",
		humanize.Comma(int64(len(recs))), stats.Fragments, stats.MissingCall, stats.MalformedFields, stats.LengthMismatches, stats.MarkupValues)
	if latest, ok := adif.Latest(recs); ok {
		fmt.Fprintf(w, "Latest: %s\n", latest)
	}
	todays := adif.OnDate(recs, today)
	fmt.Fprintf(w, "On %s: %d\n", today.Format(dayLayout), len(todays))
	for i, rec := range todays {
		fmt.Fprintf(w, "  %d. %s %s %s\n", i+1, rec, rec.Mode, rec.Frequency)
	}
}

func printEntries(w io.Writer, entries []queuestore.Entry, loc *time.Location) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPOS\tCALLSIGN\tENTERED\tLOCATION\tCOMMENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", e.ID, e.Position, e.Callsign,
			e.EnteredAt.In(loc).Format("2006-01-02 15:04:05"), e.Location, e.Comment)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, rep reconcile.Report) {
	fmt.Fprintf(w, "Cycle %s (%s): %s in %s\n", rep.ID, rep.Mode, rep.Outcome, rep.Duration.Round(time.Millisecond))
	if rep.Callsign != "" {
		fmt.Fprintf(w, "Callsign: %s\n", rep.Callsign)
	}
	if rep.Removed != nil {
		fmt.Fprintf(w, "Removed: %s (id %d, position %d)\n", rep.Removed.Callsign, rep.Removed.ID, rep.Removed.Position)
	}
	if rep.Records > 0 {
		fmt.Fprintf(w, "Records parsed: %d\n", rep.Records)
	}
	if s := rep.Summary; s != nil {
		fmt.Fprintf(w, "Today: %d record(s); not yet logged: %s; not queued: %s\n",
			s.TodayRecords, listOrNone(s.MissingUpstream), listOrNone(s.ExtraUpstream))
	}
	if rep.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", rep.Err)
	}
}

func listOrNone(calls []string) string {
	if len(calls) == 0 {
		return "none"
	}
	return strings.Join(calls, ", ")
}
