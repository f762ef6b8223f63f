// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus persists mismatch reports grouped by title.
//
// Every title gets a directory named by the hash of the title with:
//
//	description     the title
//	entry<N>.json   up to MaxPerTitle reports
//	report<N>.txt   the rendered reports
//	repro.json      the minimized single-instruction reproducer, if any
package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/hash"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/osutil"
	"github.com/probefuzz/probefuzz/pkg/x86"
	"github.com/ulikunitz/xz"
)

const (
	DefaultMaxPerTitle = 10

	descriptionFile = "description"
	reproFile       = "repro.json"
)

// Entry is one persisted mismatch.
type Entry struct {
	*compare.Report
	Title string    `json:"title"`
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id,omitempty"`
	// Backend names the report was produced with.
	TargetBackend    string `json:"target_backend,omitempty"`
	ReferenceBackend string `json:"reference_backend,omitempty"`

	// Path is the file the entry was loaded from or saved to.
	Path string `json:"-"`
}

type Options struct {
	MaxPerTitle int
	RunID       string
	// TargetBackend and ReferenceBackend are stamped into new entries.
	TargetBackend    string
	ReferenceBackend string
}

type Corpus struct {
	dir  string
	opts Options

	mu     sync.RWMutex
	groups map[string]*Group
}

// Group is the set of entries sharing a title.
type Group struct {
	Title   string
	Hash    string
	Entries []*Entry
	Repro   *Entry
}

// Open creates dir if needed and loads the entries it already has.
func Open(dir string, opts Options) (*Corpus, error) {
	if opts.MaxPerTitle <= 0 {
		opts.MaxPerTitle = DefaultMaxPerTitle
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create corpus dir: %w", err)
	}
	c := &Corpus{
		dir:    dir,
		opts:   opts,
		groups: make(map[string]*Group),
	}
	dirs, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	broken := 0
	for _, name := range dirs {
		grp, err := loadGroup(filepath.Join(dir, name))
		if err != nil {
			broken++
			log.Logf(1, "corpus: skipping %v: %v", name, err)
			continue
		}
		if grp != nil {
			c.groups[grp.Hash] = grp
		}
	}
	if broken != 0 {
		log.Logf(0, "corpus: skipped %v broken groups in %v", broken, dir)
	}
	return c, nil
}

func loadGroup(dir string) (*Group, error) {
	desc, err := os.ReadFile(filepath.Join(dir, descriptionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	grp := &Group{
		Title: strings.TrimSpace(string(desc)),
		Hash:  filepath.Base(dir),
	}
	files, err := osutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, ok := entryIndex(f); !ok && f != reproFile {
			continue
		}
		entry, err := LoadEntry(filepath.Join(dir, f))
		if err != nil {
			return nil, err
		}
		if f == reproFile {
			grp.Repro = entry
		} else {
			grp.Entries = append(grp.Entries, entry)
		}
	}
	sort.Slice(grp.Entries, func(i, j int) bool {
		return grp.Entries[i].Time.Before(grp.Entries[j].Time)
	})
	return grp, nil
}

func entryIndex(file string) (int, bool) {
	if !strings.HasPrefix(file, "entry") || !strings.HasSuffix(file, ".json") {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(file, "entry"), ".json"))
	return idx, err == nil && idx >= 0
}

// LoadEntry loads one entry<N>.json or repro.json file.
func LoadEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entry := new(Entry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", path, err)
	}
	if entry.Report == nil || entry.Case == nil || len(entry.Case.Insns) == 0 {
		return nil, fmt.Errorf("%v: entry has no case", path)
	}
	entry.Path = path
	return entry, nil
}

func groupHash(title string) string {
	return hash.String([]byte(title))
}

// Add persists rep. It returns true if this is the first report with its title.
// Once a title has MaxPerTitle entries, the oldest one is overwritten.
func (c *Corpus) Add(rep *compare.Report) (bool, error) {
	if rep.Case == nil {
		return false, fmt.Errorf("report has no case")
	}
	entry := c.newEntry(rep)
	c.mu.Lock()
	defer c.mu.Unlock()
	grp := c.groups[groupHash(entry.Title)]
	first := grp == nil
	if first {
		grp = &Group{Title: entry.Title, Hash: groupHash(entry.Title)}
	}
	dir := filepath.Join(c.dir, grp.Hash)
	if first {
		if err := osutil.MkdirAll(dir); err != nil {
			return false, err
		}
		if err := osutil.WriteFile(filepath.Join(dir, descriptionFile), []byte(entry.Title+"\n")); err != nil {
			return false, err
		}
	}
	idx, replace := c.slot(grp)
	entry.Path = filepath.Join(dir, fmt.Sprintf("entry%v.json", idx))
	if err := writeEntry(entry.Path, entry); err != nil {
		return false, err
	}
	if err := osutil.WriteFile(filepath.Join(dir, fmt.Sprintf("report%v.txt", idx)), compare.Render(rep)); err != nil {
		return false, err
	}
	if replace >= 0 {
		grp.Entries = append(grp.Entries[:replace], grp.Entries[replace+1:]...)
	}
	grp.Entries = append(grp.Entries, entry)
	c.groups[grp.Hash] = grp
	return first, nil
}

func (c *Corpus) newEntry(rep *compare.Report) *Entry {
	return &Entry{
		Report:           rep,
		Title:            rep.Title(),
		Time:             time.Now(),
		RunID:            c.opts.RunID,
		TargetBackend:    c.opts.TargetBackend,
		ReferenceBackend: c.opts.ReferenceBackend,
	}
}

// slot picks the file index for a new entry and the position of the entry
// it overwrites, or -1.
func (c *Corpus) slot(grp *Group) (int, int) {
	used := make(map[int]bool)
	for _, e := range grp.Entries {
		if idx, ok := entryIndex(filepath.Base(e.Path)); ok {
			used[idx] = true
		}
	}
	if len(grp.Entries) < c.opts.MaxPerTitle {
		for idx := 0; ; idx++ {
			if !used[idx] {
				return idx, -1
			}
		}
	}
	// Entries are kept oldest first.
	idx, _ := entryIndex(filepath.Base(grp.Entries[0].Path))
	return idx, 0
}

func writeEntry(path string, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "\t")
	if err != nil {
		return err
	}
	return osutil.WriteFile(path, append(data, '\n'))
}

// SaveRepro stores the minimized reproducer for the group of title.
func (c *Corpus) SaveRepro(title string, rep *compare.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	grp := c.groups[groupHash(title)]
	if grp == nil {
		return fmt.Errorf("no corpus entries titled %q", title)
	}
	entry := c.newEntry(rep)
	entry.Path = filepath.Join(c.dir, grp.Hash, reproFile)
	if err := writeEntry(entry.Path, entry); err != nil {
		return err
	}
	grp.Repro = entry
	return nil
}

// Groups returns copies of all groups sorted by title.
func (c *Corpus) Groups() []*Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var res []*Group
	for _, grp := range c.groups {
		cp := *grp
		cp.Entries = append([]*Entry(nil), grp.Entries...)
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Title < res[j].Title
	})
	return res
}

// Group returns the group with the given hash, or nil.
func (c *Corpus) Group(hash string) *Group {
	for _, grp := range c.Groups() {
		if grp.Hash == hash {
			return grp
		}
	}
	return nil
}

// Entries lists all entries grouped by title, oldest first within a title.
func (c *Corpus) Entries() []*Entry {
	var res []*Entry
	for _, grp := range c.Groups() {
		res = append(res, grp.Entries...)
	}
	return res
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, grp := range c.groups {
		n += len(grp.Entries)
	}
	return n
}

func (c *Corpus) Titles() []string {
	var res []string
	for _, grp := range c.Groups() {
		res = append(res, grp.Title)
	}
	return res
}

// Cases returns the stored cases and reproducers for use as mutation seeds.
func (c *Corpus) Cases() []*x86.Case {
	var res []*x86.Case
	for _, grp := range c.Groups() {
		for _, e := range grp.Entries {
			res = append(res, e.Case)
		}
		if grp.Repro != nil {
			res = append(res, grp.Repro.Case)
		}
	}
	return res
}

// Export writes all entries and reproducers as xz-compressed JSON lines.
func (c *Corpus) Export(w io.Writer) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(xw)
	for _, grp := range c.Groups() {
		entries := grp.Entries
		if grp.Repro != nil {
			entries = append(entries, grp.Repro)
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				xw.Close()
				return err
			}
		}
	}
	return xw.Close()
}

// Import reads entries written by Export.
func Import(r io.Reader) ([]*Entry, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	var res []*Entry
	dec := json.NewDecoder(xr)
	for {
		entry := new(Entry)
		if err := dec.Decode(entry); err == io.EOF {
			return res, nil
		} else if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
}
