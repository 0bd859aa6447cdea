// Command hgcore drives the obsolescence-marker store, tag resolver, and
// copy/rename tracer from the shell, for manual testing of the library
// the way gitp4transfer's main.go drove a git-to-Perforce import run.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/h2non/filetype"
	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/hgcore/config"
	"github.com/rcowham/hgcore/internal/changelog"
	"github.com/rcowham/hgcore/internal/copytrace"
	"github.com/rcowham/hgcore/internal/debuggraph"
	"github.com/rcowham/hgcore/internal/herrors"
	"github.com/rcowham/hgcore/internal/obsstore"
	"github.com/rcowham/hgcore/internal/tags"
	"github.com/rcowham/hgcore/internal/txn"
	"github.com/rcowham/hgcore/internal/vfs"
)

var logger *logrus.Logger

func main() {
	var (
		app = kingpin.New("hgcore", "Drives the obsolescence-marker store, tag resolver and copy tracer.")

		configFile = app.Flag("config", "Config file.").Default("hgcore.yaml").Short('c').String()
		storeRoot  = app.Flag("store", "Store root directory (overrides config).").String()
		debug      = app.Flag("debug", "Enable debug logging.").Bool()
		cpuProfile = app.Flag("profile", "Write a CPU profile to ./cpu.pprof for the duration of the run.").Bool()

		markersCmd     = app.Command("markers", "Work with obsolescence markers.")
		markersAddCmd  = markersCmd.Command("add", "Record a new obsolescence marker.")
		addPrecursor   = markersAddCmd.Arg("precursor", "Precursor node, hex.").Required().String()
		addSuccessors  = markersAddCmd.Arg("successors", "Comma-separated successor nodes, hex (empty for a prune marker).").String()
		addMeta        = markersAddCmd.Flag("meta", "key=value metadata entry, repeatable.").Strings()
		addBumpFix     = markersAddCmd.Flag("bump-fix", "Set the bumped-fix flag.").Bool()
		markersListCmd = markersCmd.Command("list", "List markers in the store.")
		markersGraph   = markersListCmd.Flag("graph", "Write the obsolescence DAG to this file (.dot/.svg/.png) instead of printing text.").String()

		tagsCmd        = app.Command("tags", "Work with tag files.")
		tagsResolveCmd = tagsCmd.Command("resolve", "Parse a tag file and print its entries.")
		tagsFile       = tagsResolveCmd.Arg("file", ".hgtags-style file to parse.").Required().String()

		copiesCmd      = app.Command("copies", "Trace copies/renames between two manifests.")
		copiesTraceCmd = copiesCmd.Command("trace", "Compute forward copies between manifest files a and b.")
		copiesA        = copiesTraceCmd.Arg("a", "CSV manifest (path,node) for the source side.").Required().String()
		copiesB        = copiesTraceCmd.Arg("b", "CSV manifest (path,node) for the destination side.").Required().String()

		txnCmd        = app.Command("txn", "Work with the write-ahead journal.")
		txnReplayCmd  = txnCmd.Command("replay", "Roll back an interrupted transaction's journal.")
		txnJournalArg = txnReplayCmd.Arg("journal", "Journal file name, relative to --store.").Default("journal").String()
	)

	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("hgcore")).Author("hgcore")
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	logger = logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug {
		logger.Level = logrus.DebugLevel
	}
	logger.Infof("%v", version.Print("hgcore"))

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		cfg, _ = config.Unmarshal(nil)
	}
	root := cfg.StoreRoot
	if *storeRoot != "" {
		root = *storeRoot
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		logger.Errorf("failed to prepare store root %s: %v", root, err)
		os.Exit(1)
	}
	opener := vfs.NewDisk(root)

	switch cmd {
	case markersAddCmd.FullCommand():
		runMarkersAdd(opener, cfg, *addPrecursor, *addSuccessors, *addMeta, *addBumpFix)
	case markersListCmd.FullCommand():
		runMarkersList(opener, cfg, *markersGraph)
	case tagsResolveCmd.FullCommand():
		runTagsResolve(opener, *tagsFile)
	case copiesTraceCmd.FullCommand():
		runCopiesTrace(*copiesA, *copiesB)
	case txnReplayCmd.FullCommand():
		runTxnReplay(opener, *txnJournalArg)
	}
}

func fatal(err error) {
	if err == nil {
		return
	}
	logger.Errorf("%v", err)
	os.Exit(1)
}

func openStore(opener vfs.Opener, cfg *config.Config) *obsstore.Store {
	version := obsstore.Version(cfg.Format.ObsstoreVersion)
	store, err := obsstore.Load(opener, obsstore.StoreFile, version, false)
	if err != nil {
		fatal(err)
	}
	return store
}

func runMarkersAdd(opener vfs.Opener, cfg *config.Config, precHex, succsCSV string, meta []string, bumpFix bool) {
	prec, err := obsstore.NodeFromHex(precHex)
	if err != nil {
		fatal(herrors.LookupError("invalid precursor hex: %v", err))
	}
	var succs []obsstore.Node
	if succsCSV != "" {
		for _, h := range strings.Split(succsCSV, ",") {
			n, err := obsstore.NodeFromHex(strings.TrimSpace(h))
			if err != nil {
				fatal(herrors.LookupError("invalid successor hex: %v", err))
			}
			succs = append(succs, n)
		}
	}
	metadata := make(map[string]string, len(meta))
	for _, kv := range meta {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fatal(herrors.ProgrammingError("malformed --meta %q, want key=value", kv))
		}
		metadata[parts[0]] = parts[1]
	}
	var flags uint16
	if bumpFix {
		flags |= obsstore.FlagBumpedFix
	}

	t, err := txn.Begin(opener, "journal", logger, logger, nil)
	if err != nil {
		fatal(err)
	}
	store := openStore(opener, cfg)
	var defaultDate *obsstore.MarkerDate
	if secs, tz, ok := cfg.DefaultDateSeconds(); ok {
		defaultDate = &obsstore.MarkerDate{Seconds: secs, TZ: int32(tz)}
	}
	added, err := store.CreateMarker(t, prec, succs, flags, nil, nil, metadata, defaultDate)
	if err != nil {
		t.Abort()
		fatal(err)
	}
	if err := t.Close(); err != nil {
		fatal(err)
	}
	if added {
		logger.Infof("recorded marker %s -> %d successor(s)", prec.Hex(), len(succs))
	} else {
		logger.Infof("marker already present, nothing recorded")
	}
}

func runMarkersList(opener vfs.Opener, cfg *config.Config, graphPath string) {
	store := openStore(opener, cfg)
	markers := store.RelevantMarkers(nil)
	if graphPath != "" {
		g := debuggraph.ObsoleteDAG(store, markers)
		if err := debuggraph.Write(g, graphPath); err != nil {
			fatal(err)
		}
		logger.Infof("wrote %d marker(s) to %s", len(markers), graphPath)
		return
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].Precursor < markers[j].Precursor })
	for _, m := range markers {
		succs := make([]string, len(m.Successors))
		for i, s := range m.Successors {
			succs[i] = s.Hex()
		}
		fmt.Printf("%s -> [%s] flags=%d\n", m.Precursor.Hex(), strings.Join(succs, ","), m.Flags)
	}
}

func runTagsResolve(opener vfs.Opener, file string) {
	resolver := tags.New(opener, logger)
	entries, err := resolver.ReadLocalTags(file)
	if err != nil {
		fatal(err)
	}
	if data, rerr := opener.TryRead(file); rerr == nil && data != nil {
		head := data
		if len(head) > 261 {
			head = head[:261]
		}
		if kind, kerr := filetype.Match(head); kerr == nil && kind != filetype.Unknown {
			logger.Warnf("%s looks like %s, not a plain-text tag file", file, kind.Extension)
		}
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-30s %s\n", name, entries[name].Node.Hex())
	}
}

func loadManifestCSV(path string) *changelog.Manifest {
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		fatal(err)
	}
	m := changelog.NewManifest()
	for _, row := range rows {
		if len(row) != 2 {
			continue
		}
		node, err := obsstore.NodeFromHex(strings.TrimSpace(row[1]))
		if err != nil {
			fatal(herrors.LookupError("bad manifest row %v: %v", row, err))
		}
		m.Set(strings.TrimSpace(row[0]), node)
	}
	return m
}

// runCopiesTrace builds a two-commit changelog from the given manifests
// (b a child of a) and prints ForwardCopies(a, b). Since a CSV
// manifest carries no rename metadata, a b-side file's history is linked
// back to an a-side path by content match (same node, different path) --
// the same signal a filelog parent pointer would carry for an unmodified
// rename.
func runCopiesTrace(aPath, bPath string) {
	log := changelog.New()
	ma := loadManifestCSV(aPath)
	mb := loadManifestCSV(bPath)
	revA := log.AddCommit([2]int{-1, -1}, ma, nil, "a")

	byNode := make(map[obsstore.Node]string, len(ma.Paths()))
	for _, p := range ma.Paths() {
		n, _ := ma.Get(p)
		byNode[n] = p
	}
	files := make(map[string]*changelog.FileRev)
	for _, p := range mb.Paths() {
		n, _ := mb.Get(p)
		var parents []*changelog.FileRev
		if ap, ok := byNode[n]; ok && ap != p {
			parents = append(parents, changelog.NewFileRev(ap, n, revA))
		}
		files[p] = changelog.NewFileRev(p, n, revA+1, parents...)
	}
	revB := log.AddCommit([2]int{revA, -1}, mb, files, "b")
	copies := copytrace.ForwardCopies(log.Ctx(revA), log.Ctx(revB), 0)
	dsts := make([]string, 0, len(copies))
	for dst := range copies {
		dsts = append(dsts, dst)
	}
	sort.Strings(dsts)
	for _, dst := range dsts {
		fmt.Printf("%s <- %s\n", dst, copies[dst])
	}
	if len(copies) == 0 {
		fmt.Println("no copies detected")
	}
}

func runTxnReplay(opener vfs.Opener, journalName string) {
	if err := txn.Rollback(opener, journalName, logger); err != nil {
		fatal(err)
	}
	logger.Infof("rolled back %s", journalName)
}
