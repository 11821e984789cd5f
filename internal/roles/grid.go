// Package roles implements the role permission editor: an in-memory
// grid of module rows by action columns with dirty tracking, plus the
// client that loads and saves the grid against the permissions API.
package roles

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/vigil-grc/vigil/internal/authz"
)

var titleCaser = cases.Title(language.English)

// ModuleLabel renders a module key for display, "security_controls"
// becomes "Security Controls".
func ModuleLabel(module authz.Module) string {
	return titleCaser.String(strings.ReplaceAll(string(module), "_", " "))
}

// Grid is the editable permission matrix for a single role. Every
// known module is present as a row from construction, whether or not
// the backend has a row for it yet. Modules touched since the last
// load or save are tracked as dirty so saving only writes what
// changed.
type Grid struct {
	rows  map[authz.Module]authz.ActionSet
	dirty map[authz.Module]bool
}

// NewGrid returns a grid with every cell unchecked.
func NewGrid() *Grid {
	g := &Grid{
		rows:  make(map[authz.Module]authz.ActionSet, len(authz.Modules())),
		dirty: make(map[authz.Module]bool),
	}
	for _, module := range authz.Modules() {
		g.rows[module] = authz.ActionSet{}
	}
	return g
}

// Checked reports whether one cell is checked. Unknown modules or
// actions read as unchecked.
func (g *Grid) Checked(module authz.Module, action authz.Action) bool {
	return g.rows[module][action]
}

// SetCell sets one cell, marking the module dirty when the value
// actually changed.
func (g *Grid) SetCell(module authz.Module, action authz.Action, checked bool) {
	row, ok := g.rows[module]
	if !ok {
		return
	}
	if row[action] == checked {
		return
	}
	row[action] = checked
	g.dirty[module] = true
}

// Toggle flips one cell.
func (g *Grid) Toggle(module authz.Module, action authz.Action) {
	g.SetCell(module, action, !g.Checked(module, action))
}

// RowChecked reports whether every action in the module row is
// checked.
func (g *Grid) RowChecked(module authz.Module) bool {
	row, ok := g.rows[module]
	if !ok {
		return false
	}
	for _, action := range authz.Actions() {
		if !row[action] {
			return false
		}
	}
	return true
}

// ColumnChecked reports whether every module grants the action.
func (g *Grid) ColumnChecked(action authz.Action) bool {
	for _, module := range authz.Modules() {
		if !g.rows[module][action] {
			return false
		}
	}
	return true
}

// AllChecked reports whether every cell in the grid is checked.
func (g *Grid) AllChecked() bool {
	for _, module := range authz.Modules() {
		if !g.RowChecked(module) {
			return false
		}
	}
	return true
}

// ToggleRow applies the fully-checked rule to one row: a row with any
// unchecked cell becomes fully checked, only a fully checked row
// clears.
func (g *Grid) ToggleRow(module authz.Module) {
	target := !g.RowChecked(module)
	for _, action := range authz.Actions() {
		g.SetCell(module, action, target)
	}
}

// ToggleColumn applies the fully-checked rule to one action column
// across all modules.
func (g *Grid) ToggleColumn(action authz.Action) {
	target := !g.ColumnChecked(action)
	for _, module := range authz.Modules() {
		g.SetCell(module, action, target)
	}
}

// ToggleAll applies the fully-checked rule to the whole grid.
func (g *Grid) ToggleAll() {
	target := !g.AllChecked()
	for _, module := range authz.Modules() {
		for _, action := range authz.Actions() {
			g.SetCell(module, action, target)
		}
	}
}

// Row returns a copy of one module row.
func (g *Grid) Row(module authz.Module) authz.ActionSet {
	row, ok := g.rows[module]
	if !ok {
		return authz.ActionSet{}
	}
	return row.Clone()
}

// Load replaces a module row with backend state without marking it
// dirty.
func (g *Grid) Load(module authz.Module, actions authz.ActionSet) {
	if _, ok := g.rows[module]; !ok {
		return
	}
	if actions == nil {
		actions = authz.ActionSet{}
	}
	g.rows[module] = actions.Clone()
	delete(g.dirty, module)
}

// Dirty reports whether any module has unsaved edits.
func (g *Grid) Dirty() bool {
	return len(g.dirty) > 0
}

// DirtyModules returns the edited modules in display order.
func (g *Grid) DirtyModules() []authz.Module {
	out := make([]authz.Module, 0, len(g.dirty))
	for _, module := range authz.Modules() {
		if g.dirty[module] {
			out = append(out, module)
		}
	}
	return out
}

// MarkSaved clears the dirty flag for a module after a successful
// write.
func (g *Grid) MarkSaved(module authz.Module) {
	delete(g.dirty, module)
}
