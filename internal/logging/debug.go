package logging

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Debug categories.
const (
	CatSmap     = "smap"     // Connection handling and the wire protocol.
	CatSrvman   = "srvman"   // Listener and worker management.
	CatModule   = "module"   // Module loading.
	CatDatabase = "database" // Database lifecycle.
	CatQuery    = "query"    // Rule matching and dispatch.
	CatConf     = "conf"     // Configuration parsing.
)

// Level assigned to a category named without an explicit level.
const MaxLevel = 100

var categories = []string{CatSmap, CatSrvman, CatModule, CatDatabase, CatQuery, CatConf}

// Per-category debug verbosity. Missing categories are at level 0.
//
// The table is filled during startup and read-only afterwards.
type Debug map[string]int

// Returns the verbosity of category.
func (d Debug) Level(category string) int {
	return d[category]
}

// Applies one spec.
//
// Accepted forms are "category.level", "category" (sets [MaxLevel]), and a
// bare "level" which applies to every category. A category may be given as
// "all".
func (d Debug) Set(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return fmt.Errorf("%w: empty spec", ErrUnknownCategory)
	}

	name, lvl, hasLevel := strings.Cut(spec, ".")
	if n, err := strconv.Atoi(name); err == nil && !hasLevel {
		for _, c := range categories {
			d[c] = n
		}
		return nil
	}

	level := MaxLevel
	if hasLevel {
		n, err := strconv.Atoi(lvl)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", ErrBadLevel, spec)
		}
		level = n
	}

	if name == "all" {
		for _, c := range categories {
			d[c] = level
		}
		return nil
	}
	if !IsCategory(name) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	d[name] = level
	return nil
}

// Applies several specs, stopping at the first error.
func (d Debug) SetAll(specs []string) error {
	for _, s := range specs {
		if err := d.Set(s); err != nil {
			return err
		}
	}
	return nil
}

// Returns the table as a sorted list of specs.
func (d Debug) String() string {
	specs := make([]string, 0, len(d))
	for c, l := range d {
		specs = append(specs, c+"."+strconv.Itoa(l))
	}
	sort.Strings(specs)
	return strings.Join(specs, ",")
}

// Reports whether name is a known category.
func IsCategory(name string) bool {
	for _, c := range categories {
		if c == name {
			return true
		}
	}
	return false
}

// Returns the known categories.
func Categories() []string {
	return append([]string(nil), categories...)
}
