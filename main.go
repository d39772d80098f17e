package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/bus"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/catchtab"
	"github.com/lotas/tabgruppen/internal/config"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/export"
	"github.com/lotas/tabgruppen/internal/firefox"
	"github.com/lotas/tabgruppen/internal/groups"
	"github.com/lotas/tabgruppen/internal/listener"
	"github.com/lotas/tabgruppen/internal/restore"
	"github.com/lotas/tabgruppen/internal/server"
	"github.com/lotas/tabgruppen/internal/snapshot"
	"github.com/lotas/tabgruppen/internal/state"
	"github.com/lotas/tabgruppen/internal/storage"
	"github.com/lotas/tabgruppen/internal/tabs"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		runServe(args)
	case "groups":
		runGroups(args)
	case "backlog":
		runBacklog(args)
	case "export":
		runExport(args)
	case "snapshot":
		runSnapshot(args)
	case "import":
		runImport(args)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Print(`tabgruppen: tab groups for Firefox

Usage:
  tabgruppen [serve]                                   Run the daemon the extension connects to (default)
    --port <n>             WebSocket port (default: 19191)
    --db <path>            SQLite database (default: ~/.local/share/tabgruppen/tabgruppen.db)
    --log-dir <path>       Log directory
    --debug                Log debug events
    --extensions <path>    External extension whitelist (JSON)
    --session-store <s>    "browser" (default) or "local"

  tabgruppen groups [--db <path>]                      List stored groups
  tabgruppen backlog [--db <path>]                     List tabs waiting to be restored
  tabgruppen export [--json] [--out <file>]            Export groups as markdown or JSON

  tabgruppen snapshot [--label "text"]                 Snapshot the groups (only if changed)
  tabgruppen snapshot list                             List saved snapshots
  tabgruppen snapshot diff [rev]                       Compare a snapshot with the current groups
  tabgruppen snapshot delete <rev>                     Delete a snapshot
  tabgruppen snapshot restore <rev>                    Replace the groups (stop the daemon first)

  tabgruppen import [--profile <name>] [--loose]       Import Firefox tab groups from a profile's session
    --profile <name>       Firefox profile (default: the default profile)
    --loose                Also import ungrouped tabs, one group per window
    --list                 List importable profiles

Environment:
  TABGRUPPEN_PORT, TABGRUPPEN_DATA_DIR, TABGRUPPEN_DB, TABGRUPPEN_LOG_DIR,
  TABGRUPPEN_DEBUG, TABGRUPPEN_CATCH_DEBOUNCE_MS, TABGRUPPEN_SYNC_DELAY_MS,
  TABGRUPPEN_CALL_TIMEOUT_MS, TABGRUPPEN_STORAGE_RETRIES,
  TABGRUPPEN_STORAGE_RETRY_DELAY_MS, TABGRUPPEN_EXTENSIONS,
  TABGRUPPEN_SESSION_STORE. A .env file in the working directory is read too.
`)
}

func loadConfig(name string) (*config.Config, *flag.FlagSet) {
	cfg := config.Load()
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfg.RegisterFlags(fs)
	return cfg, fs
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runServe(args []string) {
	cfg, fs := loadConfig("serve")
	fs.Parse(args)

	if err := applog.Init(cfg.LogDir, cfg.Debug); err != nil {
		fatal("open log: %v", err)
	}
	defer applog.Close()

	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		fatal("%v", err)
	}
	defer db.Close()

	wl, err := bus.LoadWhitelist(cfg.Extensions)
	if err != nil {
		fatal("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, db, wl); err != nil && !errors.Is(err, context.Canceled) {
		applog.Error("serve", err)
		fatal("%v", err)
	}
}

// serve wires the components to the extension bridge and runs until ctx is
// done. Each new extension connection runs the startup sequence again.
func serve(ctx context.Context, cfg *config.Config, db *sql.DB, wl bus.Whitelist) error {
	kv := storage.NewKV(db)
	srv := server.New(cfg.Port)
	srv.SetCallTimeout(cfg.CallTimeout)
	remote := server.NewRemote(srv, wl.Recipients)

	var sv browser.SessionValues = remote
	if cfg.SessionStore == config.SessionLocal {
		sv = kv
	}

	st := state.New(kv, state.WithRetry(cfg.StorageRetries, cfg.StorageRetryDelay))
	c := cache.New(sv)
	defer c.Flush()
	gs := groups.New(st, remote, c, remote)
	ops := tabs.New(tabs.Deps{
		Tabs:       remote,
		Windows:    remote.Windows(),
		Containers: remote.Containers(),
		Cache:      c,
		Groups:     gs,
		State:      st,
		Notifier:   remote,
		Publisher:  remote,
	})
	e := engine.New(engine.Deps{
		Tabs:      remote,
		Windows:   remote.Windows(),
		Cache:     c,
		Groups:    gs,
		State:     st,
		Ops:       ops,
		Notifier:  remote,
		UI:        remote,
		Publisher: remote,
	})
	router := catchtab.New(remote, c, gs, ops, remote, cfg.CatchDebounce)
	gs.SetInterceptor(router)
	r := restore.New(restore.Deps{
		Tabs:     remote,
		Windows:  remote.Windows(),
		Cache:    c,
		Groups:   gs,
		State:    st,
		Ops:      ops,
		Notifier: remote,
		Reloader: remote.Reloader(),
	})
	l := listener.New(listener.Deps{
		Tabs:      remote,
		Windows:   remote.Windows(),
		Cache:     c,
		Groups:    gs,
		State:     st,
		Ops:       ops,
		Engine:    e,
		Router:    router,
		Restorer:  r,
		Notifier:  remote,
		UI:        remote,
		SyncDelay: cfg.SyncDelay,
	})
	srv.SetHandlers(bus.New(bus.Deps{
		Engine:    e,
		Groups:    gs,
		Cache:     c,
		Tabs:      remote,
		Windows:   remote.Windows(),
		Whitelist: wl,
	}), l)

	fmt.Fprintf(os.Stderr, "Waiting for the extension on port %d...\n", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error {
		defer func() {
			l.Wait()
			router.Wait()
		}()
		for {
			if err := srv.WaitConnected(ctx); err != nil {
				return err
			}
			session(ctx, l, srv, srv.Disconnected(), func(ctx context.Context) {
				if rev, created, _, err := snapshot.Create(ctx, db, st, "startup"); err != nil {
					applog.Error("serve.snapshot", err)
				} else if created {
					applog.Info("serve.snapshot", "rev", rev)
				}
			})
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

// session runs one extension connection: startup, then events until the
// connection drops. ready runs once startup succeeded.
func session(ctx context.Context, l *listener.Listener, srv *server.Server, gone <-chan struct{}, ready func(context.Context)) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-gone:
			cancel()
		case <-sctx.Done():
		}
	}()

	start := time.Now()
	if err := l.Start(sctx); err != nil {
		applog.Error("serve.start", err)
		<-sctx.Done()
		return
	}
	applog.Info("serve.ready", "took", time.Since(start))
	ready(sctx)
	if err := l.Run(sctx, srv.Events()); err != nil && !errors.Is(err, context.Canceled) {
		applog.Error("serve.run", err)
	}
}

func openState(cfg *config.Config) (*sql.DB, *state.Store) {
	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		fatal("%v", err)
	}
	return db, state.New(storage.NewKV(db), state.WithRetry(cfg.StorageRetries, cfg.StorageRetryDelay))
}

func runGroups(args []string) {
	cfg, fs := loadConfig("groups")
	fs.Parse(args)
	db, st := openState(cfg)
	defer db.Close()

	list, err := st.Groups(context.Background())
	if err != nil {
		fatal("%v", err)
	}
	fmt.Print(export.Listing(list))
}

func runBacklog(args []string) {
	cfg, fs := loadConfig("backlog")
	fs.Parse(args)
	db, st := openState(cfg)
	defer db.Close()

	recs, err := st.Backlog(context.Background())
	if err != nil {
		fatal("%v", err)
	}
	fmt.Print(export.Backlog(recs))
}

func runExport(args []string) {
	cfg, fs := loadConfig("export")
	jsonFlag := fs.Bool("json", false, "Export as JSON instead of markdown")
	outFile := fs.String("out", "", "Output file path (default: stdout)")
	fs.Parse(args)
	db, st := openState(cfg)
	defer db.Close()

	list, err := st.Groups(context.Background())
	if err != nil {
		fatal("%v", err)
	}

	var output string
	if *jsonFlag {
		output, err = export.JSON(list, time.Now())
		if err != nil {
			fatal("generating JSON: %v", err)
		}
	} else {
		output = export.Markdown(list, time.Now())
	}

	if *outFile != "" {
		if err := os.WriteFile(*outFile, []byte(output), 0o644); err != nil {
			fatal("writing file: %v", err)
		}
		return
	}
	fmt.Print(output)
}

func runSnapshot(args []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		runSnapshotCreate(args)
		return
	}

	subcmd, subArgs := args[0], args[1:]
	switch subcmd {
	case "create":
		runSnapshotCreate(subArgs)
	case "list":
		runSnapshotList(subArgs)
	case "diff":
		runSnapshotDiff(subArgs)
	case "delete":
		runSnapshotDelete(subArgs)
	case "restore":
		runSnapshotRestore(subArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown snapshot command %q. Use list, diff, delete, or restore.\n", subcmd)
		os.Exit(1)
	}
}

func runSnapshotCreate(args []string) {
	cfg, fs := loadConfig("snapshot")
	label := fs.String("label", "", "Optional label for the snapshot")
	fs.Parse(args)
	db, st := openState(cfg)
	defer db.Close()

	rev, created, diff, err := snapshot.Create(context.Background(), db, st, *label)
	if err != nil {
		fatal("creating snapshot: %v", err)
	}
	if !created {
		fmt.Printf("No changes since snapshot #%d\n", rev)
		return
	}
	fmt.Printf("Snapshot #%d created\n", rev)
	if diff != nil && !diff.Empty() {
		fmt.Println()
		fmt.Print(snapshot.FormatDiff(diff))
	}
}

func runSnapshotList(args []string) {
	cfg, fs := loadConfig("snapshot list")
	fs.Parse(args)
	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		fatal("opening database: %v", err)
	}
	defer db.Close()

	snaps, err := storage.ListSnapshots(db)
	if err != nil {
		fatal("listing snapshots: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found.")
		return
	}

	fmt.Printf("%-5s %6s %5s  %-24s  %s\n", "REV", "GROUPS", "TABS", "LABEL", "CREATED")
	for _, s := range snaps {
		fmt.Printf("%5d %6d %5d  %-24s  %s\n",
			s.Rev,
			s.GroupCount,
			s.TabCount,
			s.Name,
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
}

func snapshotRev(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	rev, err := strconv.Atoi(args[0])
	if err != nil {
		fatal("invalid rev %q", args[0])
	}
	return rev, true
}

func runSnapshotDiff(args []string) {
	cfg, fs := loadConfig("snapshot diff")
	fs.Parse(reorderArgs(args))
	db, st := openState(cfg)
	defer db.Close()

	rev, ok := snapshotRev(fs.Args())
	if !ok {
		latest, err := storage.GetLatestSnapshot(db)
		if err != nil {
			fatal("%v", err)
		}
		if latest == nil {
			fatal("no snapshots yet")
		}
		rev = latest.Rev
	}
	older, err := snapshot.Load(db, rev)
	if err != nil {
		fatal("%v", err)
	}
	current, err := st.Groups(context.Background())
	if err != nil {
		fatal("%v", err)
	}
	diff := snapshot.Diff(older, current)
	diff.Rev = rev
	fmt.Print(snapshot.FormatDiff(diff))
}

func runSnapshotDelete(args []string) {
	cfg, fs := loadConfig("snapshot delete")
	fs.Parse(reorderArgs(args))
	rev, ok := snapshotRev(fs.Args())
	if !ok {
		fatal("usage: tabgruppen snapshot delete <rev>")
	}
	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		fatal("opening database: %v", err)
	}
	defer db.Close()

	if err := storage.DeleteSnapshot(db, rev); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Deleted snapshot #%d\n", rev)
}

func runSnapshotRestore(args []string) {
	cfg, fs := loadConfig("snapshot restore")
	fs.Parse(reorderArgs(args))
	rev, ok := snapshotRev(fs.Args())
	if !ok {
		fatal("usage: tabgruppen snapshot restore <rev>")
	}
	db, st := openState(cfg)
	defer db.Close()

	saved, err := snapshot.Restore(context.Background(), db, st, rev)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Restored snapshot #%d; previous groups kept as snapshot #%d\n", rev, saved)
}

// reorderArgs moves flag arguments before positional arguments so that
// flag.Parse handles them correctly (it stops at the first non-flag arg).
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}

func runImport(args []string) {
	cfg, fs := loadConfig("import")
	profileName := fs.String("profile", "", "Firefox profile name")
	loose := fs.Bool("loose", false, "Also import ungrouped tabs")
	list := fs.Bool("list", false, "List importable profiles")
	fs.Parse(args)

	profiles, err := firefox.DiscoverProfiles()
	if err != nil {
		fatal("%v", err)
	}
	if *list {
		for _, p := range profiles {
			mark := " "
			if p.IsDefault {
				mark = "*"
			}
			fmt.Printf("%s %-24s %s\n", mark, p.Name, p.Path)
		}
		return
	}

	profile, err := firefox.PickProfile(profiles, *profileName)
	if err != nil {
		fatal("%v", err)
	}
	imported, err := firefox.ReadSessionFile(profile.Path, *loose)
	if err != nil {
		fatal("%v", err)
	}

	db, st := openState(cfg)
	defer db.Close()
	ctx := context.Background()
	if _, err := st.Init(ctx); err != nil {
		fatal("%v", err)
	}
	added, err := firefox.Import(ctx, st, imported)
	if err != nil {
		fatal("importing: %v", err)
	}
	if len(added) == 0 {
		fmt.Printf("No tab groups found in profile %q\n", profile.Name)
		return
	}
	fmt.Print(export.Listing(added))
}
